// Package crawler defines the domain types shared by the ingestion pipeline:
// crawl targets, opaque positions, cursor state, canonical posts, queue tasks
// and the error taxonomy every component classifies failures into.
//
// The interfaces declared here are the seams between the planner and its
// collaborators (source adapters, the post store, the cursor store and the
// task queue). Concrete implementations live in sibling packages.
package crawler
