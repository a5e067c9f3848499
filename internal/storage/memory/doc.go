// Package memory provides in-process stores for development and tests:
// posts, cursors and raw archive blobs.
package memory
