package rets

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Row is one result record: vendor field name to raw string value.
type Row map[string]string

// SearchResult is one page of a search.
type SearchResult struct {
	Rows      []Row
	Count     int
	MoreRows  bool
	Malformed int
}

// ParseSearch turns a search reply into rows, keeping server order. Both COMPACT
// (COLUMNS/DATA) and STANDARD-XML (RETS-RESPONSE children) layouts are understood.
func ParseSearch(body []byte) (*SearchResult, error) {
	if err := CheckReply(body); err != nil {
		return nil, err
	}

	root, err := parseTree(body)
	if err != nil {
		return nil, err
	}

	if resp := root.child("RETS-RESPONSE"); resp != nil {
		return parseStandard(resp), nil
	}
	return parseCompact(root)
}

// ParseLookup extracts the rows of every METADATA-LOOKUP_TYPE block in a metadata reply.
func ParseLookup(body []byte) ([]Row, error) {
	if err := CheckReply(body); err != nil {
		return nil, err
	}

	root, err := parseTree(body)
	if err != nil {
		return nil, err
	}

	container := root
	if m := root.child("METADATA"); m != nil {
		container = m
	}

	var rows []Row
	for _, table := range container.children {
		if table.name != "METADATA-LOOKUP_TYPE" {
			continue
		}
		if table.child("COLUMNS") != nil {
			delim, err := delimiter(root)
			if err != nil {
				return nil, err
			}
			compact, _ := compactRows(table, delim)
			rows = append(rows, compact...)
			continue
		}
		for _, entry := range table.children {
			row := Row{}
			flatten(entry, "", row)
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func parseStandard(resp *node) *SearchResult {
	result := &SearchResult{}

	var total, offset, returned int
	hasPagination := false
	for _, c := range resp.children {
		if c.name == "Pagination" {
			hasPagination = true
			total = atoi(c.childText("TotalRecords"))
			offset = atoi(c.childText("Offset"))
			returned = atoi(c.childText("RecordsReturned"))
			continue
		}
		row := Row{}
		flatten(c, "", row)
		result.Rows = append(result.Rows, row)
	}

	if hasPagination {
		result.Count = total
		if offset < 1 {
			offset = 1
		}
		if returned == 0 {
			returned = len(result.Rows)
		}
		result.MoreRows = returned > 0 && offset+returned-1 < total
	} else {
		result.Count = len(result.Rows)
	}
	return result
}

func parseCompact(root *node) (*SearchResult, error) {
	delim, err := delimiter(root)
	if err != nil {
		return nil, err
	}

	rows, malformed := compactRows(root, delim)
	result := &SearchResult{
		Rows:      rows,
		Malformed: malformed,
		MoreRows:  root.child("MAXROWS") != nil,
	}

	if c := root.child("COUNT"); c != nil {
		v, _ := attr(c.attrs, "Records")
		result.Count = atoi(v)
	} else {
		result.Count = len(rows)
	}
	return result, nil
}

// compactRows zips every DATA line under n with its COLUMNS header. Lines whose
// value count does not match the header are counted and dropped.
func compactRows(n *node, delim string) ([]Row, int) {
	colNode := n.child("COLUMNS")
	if colNode == nil {
		return nil, 0
	}
	columns := splitCompact(colNode.text.String(), delim)

	var rows []Row
	malformed := 0
	for _, c := range n.children {
		if c.name != "DATA" {
			continue
		}
		values := splitCompact(c.text.String(), delim)
		if len(values) != len(columns) {
			malformed++
			continue
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		rows = append(rows, row)
	}
	return rows, malformed
}

// splitCompact strips the single leading and trailing delimiter RETS wraps each line in.
func splitCompact(line, delim string) []string {
	line = strings.Trim(line, "\r\n")
	line = strings.TrimPrefix(line, delim)
	line = strings.TrimSuffix(line, delim)
	return strings.Split(line, delim)
}

func delimiter(root *node) (string, error) {
	d := root.child("DELIMITER")
	if d == nil {
		return "\t", nil
	}
	v, _ := attr(d.attrs, "value")
	b, err := hex.DecodeString(strings.TrimSpace(v))
	if err != nil || len(b) != 1 {
		return "", fmt.Errorf("rets: invalid DELIMITER value %q", v)
	}
	return string(b), nil
}

// flatten copies n's attributes and leaf descendants into row. Nested elements
// produce dotted keys; a path seen twice gets a "#2", "#3", ... suffix.
func flatten(n *node, prefix string, row Row) {
	for _, a := range n.attrs {
		put(row, prefix+a.Name.Local, a.Value)
	}
	for _, c := range n.children {
		path := prefix + c.name
		if len(c.children) == 0 {
			put(row, path, strings.TrimSpace(c.text.String()))
			for _, a := range c.attrs {
				put(row, path+"."+a.Name.Local, a.Value)
			}
			continue
		}
		flatten(c, path+".", row)
	}
}

func put(row Row, key, value string) {
	if _, exists := row[key]; !exists {
		row[key] = value
		return
	}
	for i := 2; ; i++ {
		k := key + "#" + strconv.Itoa(i)
		if _, exists := row[k]; !exists {
			row[k] = value
			return
		}
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
