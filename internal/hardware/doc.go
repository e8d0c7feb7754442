// Package hardware probes the fingerprint of the local machine: the first
// non-loopback MAC address, a CPU serial from /proc/cpuinfo and the DMI
// baseboard serial. The license core only compares fingerprints; it never
// probes.
package hardware
