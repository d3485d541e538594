// Package types defines the entity types, capability interfaces, and
// standard errors of the cellmirror local mirror.
//
// A mirror is a directory tree holding one directory per TestRecord plus a
// manifest that indexes them. The Remote interface describes the upstream
// catalog the mirror is synchronized from; the Cache interface describes the
// optional read-through cache that sits in front of the record directories.
package types
