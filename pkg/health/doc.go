/*
Package health probes resource endpoints.

The pipeline's wait-ready step uses these checkers to decide when a
resource without an in-guest agent is reachable: a TCP connect probe for
raw connection protocols (rdp, vnc, ssh) and an HTTP GET probe for
web-fronted resources. Checkers take a context and report a Result with
the outcome and timing; classification of repeated failures is the
caller's job.
*/
package health
