// Package crawler holds the types, interfaces and sentinel errors shared by the
// fetch service: fetch tasks, job states, result payloads, batch metadata, the
// task engine and result store contracts, and the stored body codec.
package crawler
