// ABOUTME: Simulated command outputs, synthetic stats and synthetic IDS alerts for the fake agent
// ABOUTME: Nothing here touches the host; outputs only look like the real tools

package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mskumargvd/arushi-cloud/internal/protocol"
)

// commandOutput is the result body returned for every command.
type commandOutput struct {
	Command  string `json:"command"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exitCode"`
}

// execute returns the simulated result of a named command.
func execute(command string) json.RawMessage {
	out := commandOutput{Command: command}
	switch command {
	case "uptime":
		out.Output = fmt.Sprintf(" %s up %d days, load average: %.2f, %.2f, %.2f",
			time.Now().Format("15:04:05"), rand.IntN(90)+1, rand.Float64(), rand.Float64(), rand.Float64())
	case "ping_google":
		var b strings.Builder
		b.WriteString("PING google.com (142.250.80.46) 56(84) bytes of data.\n")
		for i := 1; i <= 4; i++ {
			fmt.Fprintf(&b, "64 bytes from 142.250.80.46: icmp_seq=%d ttl=117 time=%.1f ms\n", i, 8+rand.Float64()*10)
		}
		b.WriteString("4 packets transmitted, 4 received, 0% packet loss")
		out.Output = b.String()
	case "check_logs":
		out.Output = strings.Join([]string{
			"Oct 19 10:02:11 sshd[812]: Accepted publickey for admin",
			"Oct 19 10:14:37 kernel: [UFW BLOCK] IN=eth0 SRC=203.0.113.9 DPT=23",
			"Oct 19 10:15:02 suricata[644]: rule reload complete",
		}, "\n")
	case "pkg_update":
		out.Output = fmt.Sprintf("Reading package lists... Done\n%d upgraded, 0 newly installed, 0 to remove.", rand.IntN(12))
	default:
		out.Error = "unknown command"
		out.ExitCode = 127
	}

	raw, _ := json.Marshal(out)
	return raw
}

// statsSource produces plausible, slowly drifting resource usage.
type statsSource struct {
	started time.Time
	cpu     float64
	ram     float64
	disk    float64
}

func newStatsSource(started time.Time) *statsSource {
	return &statsSource{
		started: started,
		cpu:     10 + rand.Float64()*20,
		ram:     30 + rand.Float64()*30,
		disk:    40 + rand.Float64()*20,
	}
}

func (s *statsSource) next() protocol.Stats {
	s.cpu = clamp(s.cpu+rand.NormFloat64()*5, 0, 100)
	s.ram = clamp(s.ram+rand.NormFloat64()*2, 0, 100)
	s.disk = clamp(s.disk+rand.Float64()*0.01, 0, 100)
	return protocol.Stats{
		CPU:    s.cpu,
		RAM:    s.ram,
		Disk:   s.disk,
		Uptime: time.Since(s.started).Hours(),
	}
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

var signatures = []struct {
	sig      string
	severity int
}{
	{"ET SCAN Nmap Scripting Engine User-Agent Detected", 2},
	{"ET POLICY SSH session in progress on Unusual Port", 3},
	{"ET EXPLOIT Possible Log4j RCE Attempt", 1},
	{"GPL ATTACK_RESPONSE id check returned root", 1},
}

func syntheticThreat() protocol.ThreatAlert {
	s := signatures[rand.IntN(len(signatures))]
	severity := s.severity
	return protocol.ThreatAlert{
		SrcIP:     fmt.Sprintf("203.0.113.%d", rand.IntN(254)+1),
		DestIP:    fmt.Sprintf("192.168.1.%d", rand.IntN(254)+1),
		Proto:     "TCP",
		Signature: s.sig,
		Severity:  &severity,
	}
}
