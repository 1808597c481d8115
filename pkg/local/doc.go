/*
Package local runs pipeline tools as local subprocesses.

The executor validates the tool and its input directory up front, launches
the process with piped output, and scans stdout line by line for progress
markers:

	STATUS:: <text>      current step status message
	PROGRESS:: <0..100>  step progress percentage
	SUBTASK:: <text>     current sub-task label

Marker lines are forwarded to a caller-supplied sink; everything else is
retained as plain output. A non-zero exit is reported as an application
fault carrying the tail of stderr, which is usually where the tools print
their actual complaint.
*/
package local
