// Package emfi is the root of the EM-Fault-It-Yourself station: software
// control for an electromagnetic fault-injection test rig built from a
// 3-axis motion stage, an EM probe, and a set of camera and thermal feeds.
//
// # Architecture
//
// One process owns every piece of hardware and serves any number of
// operator sessions:
//
//   - motion — Marlin G-code link to the stage controller. Strictly one
//     command in flight; a missed acknowledgement marks the tracked
//     position untrusted until the next homing.
//   - orchestrator — the station's single motion authority. A mode machine
//     (idle, homing, stepping, absolute_move, joystick, attack) processes a
//     FIFO command queue on one goroutine; every motion is checked against
//     the safe-Z floor before transmission.
//   - attack — pluggable fault-injection units: builtin grid scans and Lua
//     scripts, registered by name at startup. Units drive the stage only
//     through a restricted handle routed into the orchestrator queue.
//   - sensor — independent capture loops for cameras and the thermal
//     imager; only the latest frame per source is kept.
//   - session — WebSocket fan-out of state and frames to operator
//     sessions, and fan-in of their commands. Slow sessions lose frames,
//     never the other way around.
//   - audit — per-run attack log files for campaign reconstruction.
//   - bus — optional NATS publishing of state and attack events.
//
// The cmd/emfi-station binary wires these together; --simulate runs the
// whole station against a virtual stage and synthetic sensors.
package emfi
