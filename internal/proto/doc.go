// Package proto is the frame format used between a controller and a switch
// by the stream transport.
//
// Each frame is a length-prefixed JSON object. The protocol version the
// sender speaks is carried in the same frame, encoded as JSON-ignorable
// whitespace in front of the object, so a reader that does not care about
// versions can decode every frame as plain JSON.
//
// A connection starts with the switch sending a features reply frame, whose
// version prefix announces the version the switch speaks and whose
// NiciraRoles field announces support for the Nicira role extension. Every
// frame after that carries the same version.
package proto
