/*
Package tps builds the moqui_tps.in parameter file.

Generation is a pure function over the case context, the treatment plan
info extracted during preprocessing, and configured defaults. Nothing here
touches the network or the state store; the workflow hands the produced
bytes to the remote executor as an opaque blob.

The file format is plain "key value" lines. Output is deterministic: the
computed keys come first in a fixed order, configured defaults follow in
sorted order. Determinism keeps retries byte-identical and the file
diffable across runs.
*/
package tps
