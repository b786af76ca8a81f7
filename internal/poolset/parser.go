package poolset

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Part is one backing file of a pool-set replica: a size and a path,
// as declared on one line of a ".set" file.
type Part struct {
	Size int64
	Path string
}

// File is a parsed pool-set file (the non-goal "pool-set metadata
// parser" collaborator named in §1, implemented here in minimal form:
// a "PMEMPOOLSET" header followed by one "REPLICA" section per
// replica, each followed by its "<size> <path>" part lines).
type File struct {
	Path     string
	Replicas [][]Part
}

// ReplicaZero returns the parts of the first declared replica, the
// one the pool-set DB treats as authoritative for base pointer and size.
func (f *File) ReplicaZero() []Part {
	if len(f.Replicas) == 0 {
		return nil
	}
	return f.Replicas[0]
}

// TotalSize sums the declared sizes of a replica's parts.
func TotalSize(parts []Part) int64 {
	var total int64
	for _, p := range parts {
		total += p.Size
	}
	return total
}

// sizeSuffixes mirrors the PMDK pool-set size suffix grammar.
var sizeSuffixes = map[string]int64{
	"":  1,
	"K": 1 << 10, "KB": 1 << 10,
	"M": 1 << 20, "MB": 1 << 20,
	"G": 1 << 30, "GB": 1 << 30,
	"T": 1 << 40, "TB": 1 << 40,
}

func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9') {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("poolset: invalid size %q", s)
	}
	num, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("poolset: invalid size %q: %w", s, err)
	}
	mult, ok := sizeSuffixes[s[i:]]
	if !ok {
		return 0, fmt.Errorf("poolset: unknown size suffix in %q", s)
	}
	return num * mult, nil
}

// ParseFile reads and parses a pool-set file at path.
func ParseFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("poolset: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("poolset: %s: empty file", path)
	}
	if strings.TrimSpace(scanner.Text()) != "PMEMPOOLSET" {
		return nil, fmt.Errorf("poolset: %s: missing PMEMPOOLSET header", path)
	}

	result := &File{Path: path}
	var current []Part
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.EqualFold(line, "REPLICA") {
			if current != nil {
				result.Replicas = append(result.Replicas, current)
			}
			current = []Part{}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("poolset: %s: malformed part line %q", path, line)
		}
		size, err := parseSize(fields[0])
		if err != nil {
			return nil, fmt.Errorf("poolset: %s: %w", path, err)
		}
		if current == nil {
			current = []Part{}
		}
		current = append(current, Part{Size: size, Path: fields[1]})
	}
	if current != nil {
		result.Replicas = append(result.Replicas, current)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("poolset: %s: %w", path, err)
	}
	if len(result.Replicas) == 0 {
		return nil, fmt.Errorf("poolset: %s: no parts declared", path)
	}
	return result, nil
}
