/*
Package queue models one stage of the build pipeline.

A queue holds three disjoint element sets: pending elements awaiting
admission, ready elements awaiting job harvest, and done elements, of
which the failed ones form a sub-partition. Elements move strictly
forward:

	enqueue → pending → ready → in-flight → done → dequeue
	                 └────────── skip ──────────┘

Stage behaviour lives in a Policy: it decides whether a pending element
is ready, should wait, or can be skipped outright, and it allocates the
job that processes a ready element. Base supplies everything else —
ordering, resource accounting against the scheduler's reserver, failure
tracking and the hand-off of done elements to the next stage.
*/
package queue
