// Package crawler defines the request, outcome and collaborator types shared
// by the polite fetch scheduler, its workers and the network adapters.
package crawler
