// Package store holds the persistence primitives shared by the storage
// implementations: the DBTX abstraction, transaction handling and the
// sentinel errors every store maps its backend failures onto.
package store
