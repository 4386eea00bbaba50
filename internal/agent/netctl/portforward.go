package netctl

import (
	"fmt"
	"os/exec"
	"strings"
)

// chainName is the dedicated iptables chain Vulcan owns in the nat table,
// jumped to from PREROUTING only (not OUTPUT, so connections opened from the
// Host itself are not forwarded), kept separate from anything else on the
// Host so teardown never touches rules it didn't create.
const chainName = "VULCAN-PORTFWD"

// EnsureChain creates and hooks the Vulcan port-forward chain if absent.
// Safe to call on every Agent startup and before every ProgramPortForward.
func EnsureChain() error {
	if err := run("iptables", "-t", "nat", "-N", chainName); err != nil && !strings.Contains(err.Error(), "Chain already exists") {
		return err
	}
	if err := run("iptables", "-t", "nat", "-C", "PREROUTING", "-j", chainName); err == nil {
		return nil
	}
	if err := run("iptables", "-t", "nat", "-I", "PREROUTING", "-j", chainName); err != nil && !alreadyPresent(err) {
		return err
	}
	return nil
}

// Program installs a DNAT rule forwarding hostPort on the Host to
// guestIP:guestPort (spec.md §4.1 ProgramPortForward). ruleID lets
// Unprogram remove exactly this rule later via a comment match, since
// iptables has no native rule-ID concept.
func Program(ruleID string, hostPort, guestPort int, protocol, guestIP string) error {
	return run("iptables", "-t", "nat", "-A", chainName,
		"-p", protocol, "--dport", itoa(hostPort),
		"-m", "comment", "--comment", ruleID,
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", guestIP, guestPort),
	)
}

// Unprogram removes the rule previously installed under ruleID. Idempotent:
// a missing rule is not an error.
func Unprogram(ruleID string) error {
	// -D needs the full rule spec, so recover it from the chain listing.
	out, err := exec.Command("iptables", "-t", "nat", "-S", chainName).Output()
	if err != nil {
		return nil
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(line, "-A "+chainName+" ") || !strings.Contains(line, "--comment "+ruleID+" ") {
			continue
		}
		spec := strings.Fields(strings.TrimPrefix(line, "-A "))
		if err := run("iptables", append([]string{"-t", "nat", "-D"}, spec...)...); err != nil {
			return err
		}
	}
	return nil
}

func alreadyPresent(err error) bool {
	return strings.Contains(err.Error(), "Bad rule") || strings.Contains(err.Error(), "does a matching rule exist")
}

func run(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
