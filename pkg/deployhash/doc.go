// Package deployhash fingerprints the desired state of an application.
//
// The deployment hash combines the application definition, the digest of
// every image it uses and a content hash of its mounted files. It is stored
// as a label on each container, so a start can tell whether a running
// container still matches what is desired.
package deployhash
