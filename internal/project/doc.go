// Package project gives goal executors a working copy of the pushed
// commit.
//
// A Project is a checkout backed by go-git: an in-memory clone by default,
// or a clone on disk when commands need to run against real files.
// Loaders produce projects per push:
//
//   - CloningLoader clones a fresh checkout per Load.
//   - LazyLoader defers the clone until a file is first needed. Single
//     files are read through a ContentsReader when one is configured, so
//     push tests such as "has Dockerfile" rarely clone at all.
//
// Callers release projects with Release, which removes on-disk clones.
package project
