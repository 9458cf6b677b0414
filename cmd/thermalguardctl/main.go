/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command thermalguardctl is the administrative CLI for thermalguard: it
// operates directly on the SQLite-backed DeviceRegistry and LocResolver
// stores without needing a live TCP session.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"thermalguard/internal/locresolver"
	"thermalguard/internal/registry"
	"thermalguard/internal/version"
)

var (
	devicesDB   string
	locationsDB string
	locationsJS string
)

func main() {
	root := &cobra.Command{
		Use:   "thermalguardctl",
		Short: "Administer the thermalguard device registry and location map",
	}
	root.PersistentFlags().StringVar(&devicesDB, "devices-db", "pfds_devices.db", "path to the device registry SQLite file")
	root.PersistentFlags().StringVar(&locationsDB, "locations-db", "locations.db", "path to the location resolver SQLite file")
	root.PersistentFlags().StringVar(&locationsJS, "locations-json", "locations.json", "path to the location resolver JSON fallback file")

	root.AddCommand(versionCmd(), deviceCmd(), locCmd(), calibrationCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			version.PrintVersion(os.Stdout)
			return nil
		},
	}
}

func deviceCmd() *cobra.Command {
	dc := &cobra.Command{Use: "device", Short: "Manage the PFDS device registry"}

	var name, ip, locID, mode string
	var pollSeconds int
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a new PFDS device",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.Open(devicesDB)
			if err != nil {
				return err
			}
			defer reg.Close()
			dev, err := reg.Create(registry.DeviceRecord{
				Name: name, IP: ip, LocationID: locID,
				Mode: registry.Mode(mode), PollSeconds: pollSeconds,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created device id=%d uuid=%s\n", dev.ID, dev.UUID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "human-readable device name")
	add.Flags().StringVar(&ip, "ip", "", "device IP address")
	add.Flags().StringVar(&locID, "loc-id", "", "assigned location id")
	add.Flags().StringVar(&mode, "mode", string(registry.ModeOnDemand), "continuous or on_demand")
	add.Flags().IntVar(&pollSeconds, "poll-seconds", 10, "on-demand poll interval in seconds")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.Open(devicesDB)
			if err != nil {
				return err
			}
			defer reg.Close()
			devs, err := reg.List()
			if err != nil {
				return err
			}
			for _, d := range devs {
				fmt.Printf("%-4d %-36s %-20s %-15s %-10s %-10s poll=%ds\n",
					d.ID, d.UUID, d.Name, d.IP, d.LocationID, d.Mode, d.PollSeconds)
			}
			return nil
		},
	}

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a registered device by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid device id %q: %w", args[0], err)
			}
			reg, err := registry.Open(devicesDB)
			if err != nil {
				return err
			}
			defer reg.Close()
			return reg.Delete(id)
		},
	}

	dc.AddCommand(add, list, rm)
	return dc
}

func locCmd() *cobra.Command {
	lc := &cobra.Command{Use: "loc", Short: "Manage IP-to-location mappings"}

	set := &cobra.Command{
		Use:   "set <ip> <loc-id>",
		Short: "Assign a location id to an IP",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := locresolver.New(locationsDB, locationsJS, nil)
			if err != nil {
				return err
			}
			defer r.Close()
			return r.Set(args[0], args[1])
		},
	}

	get := &cobra.Command{
		Use:   "get <ip>",
		Short: "Look up the location id assigned to an IP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := locresolver.New(locationsDB, locationsJS, nil)
			if err != nil {
				return err
			}
			defer r.Close()
			loc, ok := r.Get(args[0])
			if !ok {
				fmt.Println("(no mapping)")
				return nil
			}
			fmt.Println(loc)
			return nil
		},
	}

	var exportPath, importPath string
	exportCSV := &cobra.Command{
		Use:   "export-csv",
		Short: "Export the location map as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := locresolver.New(locationsDB, locationsJS, nil)
			if err != nil {
				return err
			}
			defer r.Close()
			return r.ExportCSV(exportPath)
		},
	}
	exportCSV.Flags().StringVar(&exportPath, "out", "locations.csv", "output CSV path")

	importCSV := &cobra.Command{
		Use:   "import-csv",
		Short: "Import a location map from CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := locresolver.New(locationsDB, locationsJS, nil)
			if err != nil {
				return err
			}
			defer r.Close()
			return r.ImportCSV(importPath)
		},
	}
	importCSV.Flags().StringVar(&importPath, "in", "locations.csv", "input CSV path")

	var exportJSONPath, importJSONPath string
	exportJSON := &cobra.Command{
		Use:   "export-json",
		Short: "Export the location map as a JSON object",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := locresolver.New(locationsDB, locationsJS, nil)
			if err != nil {
				return err
			}
			defer r.Close()
			return r.ExportJSON(exportJSONPath)
		},
	}
	exportJSON.Flags().StringVar(&exportJSONPath, "out", "locations-export.json", "output JSON path")

	importJSON := &cobra.Command{
		Use:   "import-json",
		Short: "Import a location map from a JSON object (last-write-wins)",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := locresolver.New(locationsDB, locationsJS, nil)
			if err != nil {
				return err
			}
			defer r.Close()
			return r.ImportJSON(importJSONPath)
		},
	}
	importJSON.Flags().StringVar(&importJSONPath, "in", "locations-export.json", "input JSON path")

	lc.AddCommand(set, get, exportCSV, importCSV, exportJSON, importJSON)
	return lc
}

// calibrationCmd queries a running thermalguardd's debug HTTP surface
// for the current process-wide calibration offset, since the offset
// lives only in the daemon's in-memory CalibrationStore and is never
// persisted to either SQLite store this CLI otherwise operates on
// directly.
func calibrationCmd() *cobra.Command {
	cc := &cobra.Command{Use: "calibration", Short: "Inspect the daemon's live thermal calibration state"}

	var metricsAddr string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the daemon's current calibration offset and EEPROM1 status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + metricsAddr + "/calibration")
			if err != nil {
				return fmt.Errorf("querying %s: %w", metricsAddr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status from %s: %s", metricsAddr, resp.Status)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Print(string(body))
			return nil
		},
	}
	show.Flags().StringVar(&metricsAddr, "metrics-addr", "localhost:9090", "host:port of the daemon's metrics/debug HTTP server")

	cc.AddCommand(show)
	return cc
}
