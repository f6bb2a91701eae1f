// Package discovery announces the HTTP API on the local network over
// mDNS/DNS-SD so that dashboards and home automation hosts can find the
// core without a configured address.
//
// The service type is _girable._tcp in the local. domain. TXT records carry
// the API base path, the software version, the site identifier, the BLE
// transport in use and whether the API requires authentication.
package discovery
