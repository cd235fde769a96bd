package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"ubee/persist"
)

var errNoSnapshot = errors.New("no saved network")

// exportMap writes the persisted address table as "short extended" lines.
func exportMap(store persist.Store, w io.Writer) (int, error) {
	snap, err := store.Load()
	if err != nil {
		return 0, err
	}
	if snap == nil {
		return 0, errNoSnapshot
	}
	devices := append([]persist.Device(nil), snap.Devices...)
	sort.Slice(devices, func(i, j int) bool { return devices[i].Short < devices[j].Short })

	bw := bufio.NewWriter(w)
	for _, d := range devices {
		fmt.Fprintf(bw, "%04x %016x\n", d.Short, d.Extended)
	}
	return len(devices), bw.Flush()
}

// readMap parses a file written by exportMap. A later line for the same
// short address wins.
func readMap(r io.Reader) ([]persist.Device, error) {
	seen := make(map[uint16]int)
	var devices []persist.Device
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := sc.Text()
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		var d persist.Device
		if _, err := fmt.Sscanf(text, "%4x %16x", &d.Short, &d.Extended); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if i, ok := seen[d.Short]; ok {
			devices[i] = d
			continue
		}
		seen[d.Short] = len(devices)
		devices = append(devices, d)
	}
	return devices, sc.Err()
}

// importMap replaces the address table of the saved network.
func importMap(store persist.Store, r io.Reader) (int, error) {
	devices, err := readMap(r)
	if err != nil {
		return 0, err
	}
	snap, err := store.Load()
	if err != nil {
		return 0, err
	}
	if snap == nil {
		return 0, errNoSnapshot
	}
	snap.Devices = devices
	return len(devices), store.Save(snap)
}

func exportToFile(store persist.Store, path string) error {
	fd, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := exportMap(store, fd)
	if cerr := fd.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Printf("%d devices written to %s\n", n, path)
	return nil
}

func importFromFile(store persist.Store, path string) error {
	fd, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fd.Close()
	n, err := importMap(store, fd)
	if err != nil {
		return err
	}
	fmt.Printf("%d devices imported from %s\n", n, path)
	return nil
}
