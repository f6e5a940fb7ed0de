// Package session keeps Redis-backed records of live relay connections and a
// mirror of snippet session membership, so that operators and other relay
// instances can see who is connected and who is editing what.
package session
