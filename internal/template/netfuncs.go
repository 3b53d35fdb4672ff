package template

import (
	"fmt"
	"strings"
)

var serviceNames = map[string]string{
	"sshd": "sshd",
	"ssh":  "sshd",

	"telnetd": "telnetd",
	"telnet":  "telnetd",

	"snmp":        "snmp-server",
	"snmpd":       "snmp-server",
	"snmp-server": "snmp-server",

	"dns-resolver": "dns-resolver",
	"dns":          "dns-resolver",

	"ntpd": "ntpd",
	"ntp":  "ntpd",
}

var whitelistServices = map[string]string{
	"ssh":  "ssh",
	"sshd": "ssh",

	"telnet":  "telnet",
	"telnetd": "telnet",

	"snmp":        "snmp",
	"snmpd":       "snmp",
	"snmp-server": "snmp",

	"dns":          "dns",
	"dns-resolver": "dns",
}

// Interface name prefixes other than "phy-", checked in order.
var interfaceTags = []string{"bvi", "bundle", "vxlan", "mgmt", "tun"}

// IfNameToPath converts an inventory interface name to its CLI path:
// "phy-1_1" is "physical 1/1", "bundle-3" is "bundle 3" and a dotted
// name is a subinterface. Unknown names give "none none".
func IfNameToPath(name string) string {
	if strings.Contains(name, ".") {
		return "interface subif " + name
	}

	if strings.Contains(name, "phy-") {
		return "physical " + strings.ReplaceAll(secondField(name), "_", "/")
	}

	for _, tag := range interfaceTags {
		if strings.Contains(name, tag+"-") {
			return tag + " " + secondField(name)
		}
	}

	return "none none"
}

func secondField(name string) string {
	parts := strings.Split(name, "-")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// IPFromPrefix returns the address part of "addr/len".
func IPFromPrefix(prefix string) string {
	addr, _, _ := strings.Cut(prefix, "/")
	return addr
}

// PrefixLen returns the length part of "addr/len", or the host length for
// a bare IPv4 (32) or IPv6 (128) address.
func PrefixLen(prefix string) string {
	if _, length, ok := strings.Cut(prefix, "/"); ok {
		return length
	}
	if strings.Contains(prefix, ":") {
		return "128"
	}
	return "32"
}

// VRFCmd returns the "vrf NAME" qualifier, empty for the global table.
func VRFCmd(vrf string) string {
	if vrf == "global" || vrf == "default" {
		return ""
	}
	return "vrf " + vrf
}

// BreakoutStr names a port breakout mode. Only 2 and 4 lanes exist.
func BreakoutStr(lanes any) (string, error) {
	switch fmt.Sprint(lanes) {
	case "2":
		return "to-two", nil
	case "4":
		return "to-four", nil
	}
	return "", fmt.Errorf("unsupported breakout %v", lanes)
}

// ServiceCmd returns "service NAME" for a known service alias.
func ServiceCmd(service string) (string, error) {
	name, ok := serviceNames[strings.ToLower(service)]
	if !ok {
		return "", fmt.Errorf("unknown service %q", service)
	}
	return "service " + name, nil
}

// WhitelistServiceCmd returns the management ACL line allowing subnet to
// reach service, or "" when the service cannot be whitelisted.
func WhitelistServiceCmd(subnet, service string) string {
	name, ok := whitelistServices[strings.ToLower(service)]
	if !ok {
		return ""
	}
	return fmt.Sprintf("management-acl whitelist %s %s", subnet, name)
}
