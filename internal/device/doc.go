// Package device defines the vocabulary shared by the BLE session stack:
// peer addresses, 128-bit attribute identifiers, characteristic properties,
// the error taxonomy and the Transport/Link boundary that radio drivers implement.
//
// Links are asynchronous. A Transport hands out Link handles immediately and
// reports every outcome (link up/down, discovery results, read/write/notify
// values) as LinkEvents on a channel owned by the caller.
package device
