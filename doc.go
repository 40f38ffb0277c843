// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package mqcore provides the shared vocabulary for an edge-device messaging
// and coordination runtime built on MQTT v5: topic parsing/matching, the MQTT
// v5 publish record and property subset the runtime threads through its
// layers, the MQTT v5 reason codes those layers inspect, and a single error
// taxonomy every other package in this module returns.
//
// The runtime itself is assembled from sibling packages:
//
//   - hlc: the Hybrid Logical Clock used for fencing tokens and event versions.
//   - dispatch: fan-out of incoming publishes to topic-filter subscribers.
//   - ack: ordered acknowledgement of dispatched publishes back to the broker.
//   - reconnect: the backoff policy driving Session Core's reconnect loop.
//   - session: the self-healing MQTT v5 session and its client handle.
//   - rpc: request/response over MQTT topics.
//   - telemetry: unidirectional messaging with CloudEvents metadata.
//   - statestore: a RESP3 client for the remote key-value service.
//   - lock: a leased-lock primitive built on statestore.
//   - config: connection settings and their validation rules.
package mqcore
