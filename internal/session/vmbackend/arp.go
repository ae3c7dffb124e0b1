package vmbackend

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// normalizeMAC strips leading zeros from each octet so "02:0a:01:..." and
// "2:a:1:..." compare equal, matching how some ARP table implementations
// print MAC addresses without padding.
func normalizeMAC(mac string) string {
	octets := strings.Split(mac, ":")
	for i, o := range octets {
		v, err := strconv.ParseUint(o, 16, 8)
		if err != nil {
			continue
		}
		octets[i] = fmt.Sprintf("%x", v)
	}
	return strings.Join(octets, ":")
}

// lookupARP scans the kernel's ARP table for the IP bound to mac. It reads
// /proc/net/arp, which has the format:
//
//	IP address       HW type     Flags       HW address            Mask     Device
//	192.168.64.5      0x1         0x2         52:54:00:12:34:56     *        bridge100
func lookupARP(mac string) (string, error) {
	f, err := os.Open("/proc/net/arp")
	if err != nil {
		return "", fmt.Errorf("failed to open arp table: %w", err)
	}
	defer f.Close()

	want := normalizeMAC(mac)
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		ip, hwAddr := fields[0], fields[3]
		if normalizeMAC(hwAddr) == want {
			return ip, nil
		}
	}
	return "", fmt.Errorf("no arp entry found for mac %s", mac)
}
