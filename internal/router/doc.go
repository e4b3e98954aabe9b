// Package router implements topic-based publish/subscribe fan-out.
//
// Topics are created lazily on first subscription and retained when their
// subscriber set empties. Publish snapshots the subscriber set under the lock,
// then delivers outside it through each subscriber's transport queue, so one
// slow or failed subscriber never affects the others. The publisher does not
// receive its own publication.
package router
