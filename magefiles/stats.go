//go:build mage

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Stats prints Go lines of code per package directory as JSON lines,
// followed by the totals.
func Stats() error {
	prod := map[string]int{}
	tests := map[string]int{}

	err := filepath.Walk(".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			switch path {
			case "vendor", ".git", binaryDir, "magefiles", "_examples":
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}
		count, countErr := countLines(path)
		if countErr != nil {
			return nil
		}
		dir := filepath.Dir(path)
		if strings.HasSuffix(path, "_test.go") {
			tests[dir] += count
		} else {
			prod[dir] += count
		}
		return nil
	})
	if err != nil {
		return err
	}

	dirs := make([]string, 0, len(prod))
	for dir := range prod {
		dirs = append(dirs, dir)
	}
	for dir := range tests {
		if _, ok := prod[dir]; !ok {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)

	var totalProd, totalTest int
	for _, dir := range dirs {
		totalProd += prod[dir]
		totalTest += tests[dir]
		if err := printJSON(map[string]any{"package": dir, "go_loc_prod": prod[dir], "go_loc_test": tests[dir]}); err != nil {
			return err
		}
	}
	return printJSON(map[string]any{"go_loc_prod": totalProd, "go_loc_test": totalTest, "go_loc": totalProd + totalTest})
}

func printJSON(record map[string]any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	fmt.Println(string(line))
	return nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}
