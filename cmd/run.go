package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/devnolife/netsec/acl"
	"github.com/devnolife/netsec/config"
	"github.com/devnolife/netsec/conntrack"
	"github.com/devnolife/netsec/firewall"
	"github.com/devnolife/netsec/ids"
	"github.com/devnolife/netsec/ips"
	"github.com/devnolife/netsec/nat"
	"github.com/devnolife/netsec/packet"
)

// sweepInterval paces the maintenance ticks during a replay.
const sweepInterval = 1000

// verdictRecord is one output line per replayed packet.
type verdictRecord struct {
	Seq     int    `json:"seq"`
	Packet  string `json:"packet"`
	Allowed bool   `json:"allowed"`
	Stage   string `json:"stage"`
	Reason  string `json:"reason,omitempty"`
}

// statsRecord is the closing summary.
type statsRecord struct {
	Packets   int             `json:"packets"`
	ACL       acl.Stats       `json:"acl"`
	Conntrack conntrack.Stats `json:"conntrack"`
	NAT       nat.Stats       `json:"nat"`
	Firewall  firewall.Stats  `json:"firewall"`
	IDS       ids.Stats       `json:"ids"`
	IPS       ips.Stats       `json:"ips"`
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.Logging)

	eng, err := buildEngines(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.stop()

	var in io.Reader = os.Stdin
	if trace := c.String("trace"); trace != "" && trace != "-" {
		f, err := os.Open(trace)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	out := json.NewEncoder(os.Stdout)
	quiet := c.Bool("quiet")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	seq := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		var p packet.Packet
		if err := json.Unmarshal(line, &p); err != nil {
			logger.WithError(err).Warn("skipping bad trace record")
			continue
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = time.Now()
		}
		seq++

		rec := verdictRecord{Seq: seq, Packet: p.String(), Stage: "ips"}
		v := eng.ips.CheckPacket(&p)
		rec.Allowed = v.Allowed
		rec.Reason = v.Reason

		if v.Allowed {
			d := eng.fw.Process(&p)
			rec.Stage = "firewall"
			rec.Allowed = d.Action == firewall.ActionAllow
			rec.Reason = d.Reason
		}

		if !quiet {
			if err := out.Encode(rec); err != nil {
				return err
			}
		}

		if seq%sweepInterval == 0 {
			now := time.Now()
			eng.fw.Tick(now)
			eng.ids.Tick(now)
			eng.ips.Tick(now)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	return out.Encode(statsRecord{
		Packets:   seq,
		ACL:       eng.acls.Snapshot(),
		Conntrack: eng.tracker.StatsSnapshot(),
		NAT:       eng.nat.Snapshot(),
		Firewall:  eng.fw.Snapshot(),
		IDS:       eng.ids.Snapshot(),
		IPS:       eng.ips.Snapshot(),
	})
}

func check(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.Logging)
	eng, err := buildEngines(cfg, logger)
	if err != nil {
		return err
	}
	eng.stop()

	fmt.Printf("config ok: %d acls, %d zones, %d policies, %d nat rules, %d signatures\n",
		len(cfg.ACL.ACLs), len(cfg.Zones), len(cfg.Policies), len(cfg.NAT.Rules), len(cfg.IDS.Signatures))
	return nil
}

func template(_ *cli.Context) error {
	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
