/*
Package savequeue implements the bounded, N-worker durable-write
pipeline in front of pkg/storage.

Workers race on the shared job queue, but each entry's actual
Storage.AppendLogEntry call happens strictly in index order per
member: a worker stages its job in the member's pending map, and
whichever worker holds index savedIndex+1 chains through every
contiguously ready index, advancing the watermark as it goes. No
worker ever blocks waiting for another, so a rewrite of lower indices
queued behind higher ones cannot wedge the pool, and Storage's
contiguous-append contract stays intact.

On restart, InitMember seeds savedIndex from Storage's durable tail
minus the persisted maxGap hint: the last maxGap durable entries are
treated as potentially conflicting, so the watermark rolls back past
them and the leader re-sends and rewrites that suffix as needed.
Shutdown persists the final gap between the highest index ever
enqueued and the contiguous watermark, zero after a clean shutdown.
*/
package savequeue
