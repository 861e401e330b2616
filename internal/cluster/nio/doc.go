// Package nio is the worker IO engine of the cluster transport.
//
// A fixed set of workers partitions the active sockets; each worker
// owns an epoll instance and drives, in a single loop, timed write
// scheduling with ping injection, readiness-driven read draining,
// frame reassembly and inbound dispatch. Only the owning worker ever
// reads or writes a socket or touches its reassembly state; producers
// reach a socket exclusively through its priority send queues.
package nio
