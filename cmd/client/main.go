// Command client is an interactive REPL for a running bitvault server.
//
// Commands:
//
//	put <key> <value>   Store a value
//	get <key>            Retrieve a value
//	del <key>            Delete a key
//	scan [range] [regex] List keys (range -1 = unbounded, regex optional)
//	merge                Trigger compaction
//	stats                Show on-disk size
//	exit / quit / q      Leave the REPL
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
)

type client struct {
	baseURL string
	http    *http.Client
	liner   *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".bitvault_history")
}

func main() {
	addr := pflag.String("addr", "http://localhost:8080", "bitvault server base URL")
	pflag.Parse()

	c := &client{baseURL: strings.TrimRight(*addr, "/"), http: &http.Client{}}
	if err := c.run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (c *client) run() error {
	c.liner = liner.NewLiner()
	defer c.liner.Close()

	c.liner.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile()); err == nil {
		c.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("bitvault client - connected to %s\n", c.baseURL)
	fmt.Println("Type 'help' for available commands.")

	for {
		line, err := c.liner.Prompt("bitvault> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		c.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			c.saveHistory()
			return nil
		case "help", "?":
			c.printHelp()
		case "put":
			c.cmdPut(args)
		case "get":
			c.cmdGet(args)
		case "del", "delete":
			c.cmdDel(args)
		case "scan":
			c.cmdScan(args)
		case "merge":
			c.cmdMerge()
		case "stats":
			c.cmdStats()
		default:
			fmt.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	c.saveHistory()
	return nil
}

func (c *client) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			c.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (c *client) printHelp() {
	fmt.Println(`commands:
  put <key> <value>     store a value
  get <key>              retrieve a value
  del <key>              delete a key
  scan [range] [regex]   list keys (range -1 = unbounded)
  merge                  trigger compaction
  stats                  show on-disk size
  exit / quit / q        leave the REPL`)
}

func (c *client) post(path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: put <key> <value>")
		return
	}
	var resp struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := c.post("/put", map[string]string{"key": args[0], "value": strings.Join(args[1:], " ")}, &resp); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(resp.Status)
}

func (c *client) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: get <key>")
		return
	}
	var resp struct {
		Status string `json:"status"`
		Value  string `json:"value"`
		Error  string `json:"error"`
	}
	if err := c.post("/get", map[string]string{"key": args[0]}, &resp); err != nil {
		fmt.Println("error:", err)
		return
	}
	switch resp.Status {
	case "OK":
		fmt.Println(resp.Value)
	case "NotFound":
		fmt.Println("(not found)")
	default:
		fmt.Println("error:", resp.Error)
	}
}

func (c *client) cmdDel(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: del <key>")
		return
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.post("/del", map[string]string{"key": args[0]}, &resp); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(resp.Status)
}

func (c *client) cmdMerge() {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.post("/merge", struct{}{}, &resp); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(resp.Status)
}

func (c *client) cmdStats() {
	resp, err := c.http.Get(c.baseURL + "/stats")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer resp.Body.Close()
	var out struct {
		Status   string `json:"status"`
		DiskSize int64  `json:"disk_size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("disk size: %d bytes\n", out.DiskSize)
}

func (c *client) cmdScan(args []string) {
	q := url.Values{}
	if len(args) >= 1 {
		if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
			fmt.Println("usage: scan [range] [regex]")
			return
		}
		q.Set("range", args[0])
	}
	if len(args) >= 2 {
		q.Set("regex", args[1])
	}

	resp, err := c.http.Get(c.baseURL + "/scan?" + q.Encode())
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	count := 0
	for {
		var frame struct {
			Status string `json:"status"`
			Key    string `json:"key"`
			Value  string `json:"value"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&frame); err != nil {
			break
		}
		switch frame.Status {
		case "OK":
			fmt.Printf("%s = %s\n", frame.Key, frame.Value)
			count++
		case "InvalidRegex":
			fmt.Println("invalid regex:", frame.Error)
			return
		default:
			fmt.Println("error:", frame.Error)
			return
		}
	}
	fmt.Printf("(%d keys)\n", count)
}

