// Package grid declares the storage and coordination contracts shared by the
// crawler's grid backends.
//
// A grid offers durable named collections (Map, Queue, Set) and two
// coordinators built on top of them: Compute runs named jobs at most once per
// process at a time (optionally once per session), and Pipeline runs ordered
// stages with a persisted checkpoint so a crashed run resumes where it
// stopped.
//
// Backends work on raw JSON bytes (RawMap, RawQueue, RawSet). Callers use the
// typed wrappers (Map[T], Queue[T], Set) together with a Codec. Every
// collection is recorded in a catalog as a StoreDescriptor, so a store can be
// reopened by name alone and its values decoded through a TypeRegistry.
package grid
