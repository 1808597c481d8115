/*
Package faults classifies errors into operational categories.

Every failure in the pipeline is assigned one of five categories: network,
system, configuration, application, or unknown. The category decides whether
a step retry is worthwhile (network and system faults are transient by
nature, configuration and application faults are not) and gives operators a
first-line diagnosis in logs and the dashboard.

Classification uses three signals, in order: an explicit category attached
at the failure site, the process exit code (255 is the ssh transport
failure code, 126 and 127 indicate a broken installation), and finally
message patterns.
*/
package faults
