// Package transport defines the capability set shared by the shell and serial
// transports: an [Opener] establishes a [Transport], which streams raw chunks
// on [Transport.Events], accepts queued writes and closes exactly once.
//
// [Link] implements Transport on top of plain readers and writers; the
// variants in the shell and serial subpackages only differ in how they
// obtain those streams.
package transport
