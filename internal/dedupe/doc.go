// Package dedupe provides a time- and size-bounded replay filter so that an
// agent flushing its offline buffer after reconnecting cannot double-deliver.
package dedupe
