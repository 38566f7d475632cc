// Package slam is the root of the scan-matching SLAM stack.
//
// Sub-packages, leaves first:
//   - geom: rigid transforms, point clouds and the KD-tree index.
//   - registration: ICP scan-to-scan registration.
//   - scancontext: ring x sector descriptors for place recognition.
//   - posegraph: factor graph and Levenberg-Marquardt optimizer.
//   - pipeline: the orchestrator that wires the engines together.
//   - scan, export, storage/sqlite: scan source, trajectory sinks, run store.
//
// Dependency rule: engines never import pipeline, and no engine imports
// another engine. SQL lives only under storage/.
package slam
