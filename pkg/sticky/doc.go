/*
Package sticky implements the optional sticky-by-client-IP dispatcher.

When enabled, the master opens the listening sockets itself and hands each
accepted connection to the worker selected by hashing the peer host:
workers[(h mod N) + 1]. The hash (xxhash) is mixed with a seed fixed at
master start, so a given peer consistently reaches the same worker for
the master's whole lifetime. Because only the master accepts, the kernel
never round-robins connections across processes.

Descriptors travel over a per-worker unix socketpair with SCM_RIGHTS; the
sticky:balance frame rides as the message body alongside the rights. The
worker side rebuilds a net.Conn from the received descriptor and feeds it
to services through Options.Connections.
*/
package sticky
