// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// This command reconciles a node's declared resource specification with a
// JSON document of discovered device records and prints the canonical
// inventory.  It exists for administrators checking a gres configuration
// before handing it to the scheduler.

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/karlmutch/envflag"
	"github.com/tebeka/atexit"

	"github.com/joelandman/slurm/internal/engine"
	"github.com/joelandman/slurm/internal/gres"
	"github.com/joelandman/slurm/pkg/slurm"
)

var (
	buildTime string
	gitHash   string

	logger = slurm.NewLogger("gres-inventory")

	cfgOpt      = flag.String("config", "", "TOML file naming the resource kinds to register")
	nodeOpt     = flag.String("node", hostName(), "name of the node being reconciled")
	coresOpt    = flag.Uint("cores", 16, "total core count of the node")
	socketsOpt  = flag.Uint("sockets", 2, "socket count of the node, cores must divide evenly")
	declaredOpt = flag.String("declared", "", "declared resource specification, comma separated name[:type]:count tokens")
	foundOpt    = flag.String("discovered", "", "JSON file of discovered device records")
	waitOpt     = flag.Duration("discovery-wait", 10*time.Second, "how long to wait for the discovered records file to appear")
)

// kindsConfig is the TOML layout naming the kinds to register
type kindsConfig struct {
	AutoDetect bool `toml:"auto_detect"`
	Kinds      []struct {
		Name      string `toml:"name"`
		CountOnly bool   `toml:"count_only"`
		SharedOf  string `toml:"shared_of"`
		NoConsume bool   `toml:"no_consume"`
	} `toml:"kinds"`
}

func hostName() (name string) {
	name, _ = os.Hostname()
	return name
}

func usage() {
	fmt.Fprintln(os.Stderr, path.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "usage: ", os.Args[0], "[arguments]      resource inventory check      ", gitHash, "    ", buildTime)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Arguments:")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment Variables:")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Options can also be extracted from environment variables by changing dashes '-' to underscores and using upper case.")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "To control log levels the LOGXI env variables can be used, these are documented at https://github.com/mgutz/logxi")
}

func loadKinds(fn string) (cfg kindsConfig, err error) {
	if len(fn) == 0 {
		return cfg, nil
	}
	data, errGo := ioutil.ReadFile(fn)
	if errGo != nil {
		return cfg, errGo
	}
	if _, errGo = toml.Decode(string(data), &cfg); errGo != nil {
		return cfg, errGo
	}
	return cfg, nil
}

func main() {

	flag.Usage = usage

	// Use the go options parser to load command line options that have been set, and look
	// for these options inside the env variable table
	//
	envflag.Parse()

	cfg, errGo := loadKinds(*cfgOpt)
	if errGo != nil {
		fmt.Fprintln(os.Stderr, "the kinds configuration could not be read due to", errGo.Error())
		atexit.Exit(-1)
	}

	engineCfg := engine.Config{
		AutoDetect:    cfg.AutoDetect || len(cfg.Kinds) == 0,
		DiscoveryFile: *foundOpt,
		DiscoveryWait: *waitOpt,
	}
	for _, kc := range cfg.Kinds {
		engineCfg.Kinds = append(engineCfg.Kinds, engine.KindConfig{
			Name:      kc.Name,
			CountOnly: kc.CountOnly,
			SharedOf:  kc.SharedOf,
			NoConsume: kc.NoConsume,
		})
	}

	mgr := engine.New(logger, nil)
	if err := mgr.Init(engineCfg); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		atexit.Exit(-1)
	}

	raw := []byte("[]")
	if len(*foundOpt) != 0 {
		if raw, errGo = ioutil.ReadFile(*foundOpt); errGo != nil {
			fmt.Fprintln(os.Stderr, "the discovered records file could not be read due to", errGo.Error())
			atexit.Exit(-1)
		}
	}

	node := gres.NodeConfig{
		Name:    *nodeOpt,
		Cores:   *coresOpt,
		Sockets: *socketsOpt,
	}
	inv, err := mgr.ReconcileJSON(node, *declaredOpt, raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		atexit.Exit(-1)
	}

	for _, ns := range inv.States {
		fields := []string{
			fmt.Sprintf("kind=%s", ns.Name),
			fmt.Sprintf("avail=%s", humanize.Comma(int64(ns.Avail))),
			fmt.Sprintf("configured=%s", humanize.Comma(int64(ns.Configured))),
			fmt.Sprintf("found=%s", humanize.Comma(int64(ns.Found))),
		}
		if len(ns.Topos) != 0 {
			fields = append(fields, fmt.Sprintf("topology_records=%d", len(ns.Topos)))
		}
		if len(ns.Types) != 0 {
			names := make([]string, 0, len(ns.Types))
			for _, tc := range ns.Types {
				names = append(names, fmt.Sprintf("%s:%d", tc.Name, tc.Avail))
			}
			fields = append(fields, "types="+strings.Join(names, ","))
		}
		fmt.Println(strings.Join(fields, " "))
	}
	atexit.Exit(0)
}
