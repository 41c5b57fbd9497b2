// Package pool runs a dynamic set of asynchronous tasks under a concurrency
// limit.
//
// Tasks are accepted in FIFO order and get a sequence number (seq) that is
// unique for the life of the pool (until Reset). Tasks start in insertion
// order; results are reported either per completion (Immediately) or once
// when the pool drains, in completion order or sorted by seq (MaintainOrder).
// Completed records also collect into a chunk that is handed to a Submit
// callback at every drain.
//
// Deleting a running task is cooperative: the body keeps running, but its
// settlement is ignored and its slot is released at once. For a short time
// more bodies may therefore be executing than Concurrency allows.
//
// All pool state is guarded by a single mutex. Callbacks (OnResult, Submit)
// run without that lock, in the order they were produced, so they may call
// back into the pool.
package pool
