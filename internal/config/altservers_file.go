package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// AltServerLine is one parsed line of the alt-servers file (§6 "Config
// surface"). The file has no existing ecosystem parser (it is a bespoke
// dnbd3 format), so this is hand-rolled line scanning rather than a
// general-purpose format library.
type AltServerLine struct {
	Address    string
	Comment    string
	Private    bool // '-': replication only, never advertised to clients
	ClientOnly bool // '+': advertise only, never used for replication
}

// ParseAltServersFile reads the alt-servers file format:
//
//	[flag]host[:port] [# comment]
//
// flag is optional: '-' marks the entry private (replication only), '+'
// marks it client-only (advertised but never dialed for replication).
// Blank lines and lines starting with '#' are ignored.
func ParseAltServersFile(path string) ([]AltServerLine, error) {
	file, err := os.Open(path) //nolint:gosec // operator-controlled config path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("opening alt-servers file %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	var out []AltServerLine

	scanner := bufio.NewScanner(file)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry, err := parseAltServerLine(line)
		if err != nil {
			return nil, fmt.Errorf("alt-servers file %s line %d: %w", path, lineNo, err)
		}

		out = append(out, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading alt-servers file %s: %w", path, err)
	}

	return out, nil
}

func parseAltServerLine(line string) (AltServerLine, error) {
	var entry AltServerLine

	if strings.HasPrefix(line, "-") {
		entry.Private = true
		line = strings.TrimSpace(line[1:])
	} else if strings.HasPrefix(line, "+") {
		entry.ClientOnly = true
		line = strings.TrimSpace(line[1:])
	}

	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		entry.Comment = strings.TrimSpace(line[idx+1:])
		line = strings.TrimSpace(line[:idx])
	}

	if line == "" {
		return entry, fmt.Errorf("empty address")
	}

	entry.Address = line

	return entry, nil
}

// FormatAltServersFile serializes entries back to the on-disk format,
// primarily used by tests round-tripping a parsed file.
func FormatAltServersFile(entries []AltServerLine) string {
	var sb strings.Builder

	for _, e := range entries {
		if e.Private {
			sb.WriteString("-")
		} else if e.ClientOnly {
			sb.WriteString("+")
		}

		sb.WriteString(e.Address)

		if e.Comment != "" {
			sb.WriteString(" # ")
			sb.WriteString(e.Comment)
		}

		sb.WriteString("\n")
	}

	return sb.String()
}

// SplitHostPort parses "host:port" falling back to a default port.
func SplitHostPort(addr string, defaultPort uint16) (string, uint16, error) {
	host, portStr, found := strings.Cut(addr, ":")
	if !found {
		return addr, defaultPort, nil
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}

	return host, uint16(port), nil
}
