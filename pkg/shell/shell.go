// Package shell implements the interactive tree shell on top of a Backend.
package shell

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
)

// DefaultTreeName is used by create when no name is given.
const DefaultTreeName = "default"

var errNoTree = errors.New("no tree selected, run create or use first")

type command struct {
	name  string
	usage string
	help  string
	run   func(s *Shell, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"create", "create <fanout> [name]", "create an empty tree and select it", (*Shell).create},
		{"use", "use <name>", "select an existing tree", (*Shell).use},
		{"list", "list", "list trees", (*Shell).list},
		{"insert", "insert <key> <value>", "insert a key/value pair", (*Shell).insert},
		{"delete", "delete <key>", "delete a key", (*Shell).delete},
		{"search", "search <key>", "look up a key", (*Shell).search},
		{"rangesearch", "rangesearch <lo> <hi>", "list pairs with lo <= key < hi", (*Shell).rangeSearch},
		{"bfs", "bfs", "print keys in level order", (*Shell).bfs},
		{"outputall", "outputall", "print keys in leaf order", (*Shell).outputAll},
		{"reset", "reset", "remove every key from the tree", (*Shell).reset},
		{"clear", "clear", "reset the tree and remove its files", (*Shell).clear},
		{"serialize", "serialize", "write the tree to disk", (*Shell).serialize},
		{"deserialize", "deserialize <name>", "load a tree from disk and select it", (*Shell).deserialize},
		{"cls", "cls", "clear the screen", (*Shell).cls},
		{"help", "help", "show this help", (*Shell).help},
		{"quit", "quit, exit", "leave the shell", nil},
	}
}

// Shell parses command lines and runs them against a Backend.
type Shell struct {
	backend Backend
	out     io.Writer
	current string
}

func New(backend Backend, out io.Writer) *Shell {
	return &Shell{backend: backend, out: out}
}

// Current returns the selected tree, or "" if none is.
func (s *Shell) Current() string { return s.current }

// Exec runs one command line. It returns true when the shell should exit.
func (s *Shell) Exec(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	name, args := fields[0], fields[1:]
	if name == "quit" || name == "exit" {
		return true
	}
	for _, c := range commands {
		if c.name != name || c.run == nil {
			continue
		}
		if err := c.run(s, args); err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
		return false
	}
	fmt.Fprintf(s.out, "Unknown command: %s\n", name)
	return false
}

// Run reads commands with line editing until quit or end of input.
func (s *Shell) Run(historyFile string) error {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands)+1)
	for _, c := range commands {
		items = append(items, readline.PcItem(c.name))
	}
	items = append(items, readline.PcItem("exit"))

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFile,
		AutoComplete:    readline.NewPrefixCompleter(items...),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	s.out = rl.Stdout()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if s.Exec(line) {
			return nil
		}
	}
}

func usage(u string) error { return fmt.Errorf("usage: %s", u) }

func (s *Shell) tree() (string, error) {
	if s.current == "" {
		return "", errNoTree
	}
	return s.current, nil
}

func parseKey(raw string) (int64, error) {
	k, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid key %q", raw)
	}
	return k, nil
}

func (s *Shell) printKeys(keys []int64) {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = strconv.FormatInt(k, 10)
	}
	fmt.Fprintln(s.out, strings.Join(parts, " "))
}

func (s *Shell) create(args []string) error {
	if len(args) > 2 {
		return usage("create <fanout> [name]")
	}
	fanout := 0
	if len(args) > 0 {
		f, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid fanout %q", args[0])
		}
		fanout = f
	}
	name := DefaultTreeName
	if len(args) == 2 {
		name = args[1]
	}
	fanout, err := s.backend.Create(name, fanout)
	if err != nil {
		return err
	}
	s.current = name
	fmt.Fprintf(s.out, "created tree %s with fanout %d\n", name, fanout)
	return nil
}

func (s *Shell) use(args []string) error {
	if len(args) != 1 {
		return usage("use <name>")
	}
	names, err := s.backend.Names()
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == args[0] {
			s.current = n
			return nil
		}
	}
	return fmt.Errorf("tree %s not found", args[0])
}

func (s *Shell) list(args []string) error {
	names, err := s.backend.Names()
	if err != nil {
		return err
	}
	for _, n := range names {
		marker := " "
		if n == s.current {
			marker = "*"
		}
		fmt.Fprintf(s.out, "%s %s\n", marker, n)
	}
	return nil
}

func (s *Shell) insert(args []string) error {
	tree, err := s.tree()
	if err != nil {
		return err
	}
	if len(args) != 2 {
		return usage("insert <key> <value>")
	}
	key, err := parseKey(args[0])
	if err != nil {
		return err
	}
	value, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid value %q", args[1])
	}
	return s.backend.Insert(tree, key, value)
}

func (s *Shell) delete(args []string) error {
	tree, err := s.tree()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return usage("delete <key>")
	}
	key, err := parseKey(args[0])
	if err != nil {
		return err
	}
	found, err := s.backend.Delete(tree, key)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintf(s.out, "key %d not found\n", key)
	}
	return nil
}

func (s *Shell) search(args []string) error {
	tree, err := s.tree()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return usage("search <key>")
	}
	key, err := parseKey(args[0])
	if err != nil {
		return err
	}
	value, found, err := s.backend.Search(tree, key)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintf(s.out, "key %d not found\n", key)
		return nil
	}
	fmt.Fprintf(s.out, "%d: %d\n", key, value)
	return nil
}

// rangeSearch accepts the bounds in either order.
func (s *Shell) rangeSearch(args []string) error {
	tree, err := s.tree()
	if err != nil {
		return err
	}
	if len(args) != 2 {
		return usage("rangesearch <lo> <hi>")
	}
	lo, err := parseKey(args[0])
	if err != nil {
		return err
	}
	hi, err := parseKey(args[1])
	if err != nil {
		return err
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	entries, err := s.backend.Range(tree, lo, hi)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(s.out, "%d: %d\n", e.Key, e.Value)
	}
	return nil
}

func (s *Shell) bfs(args []string) error {
	tree, err := s.tree()
	if err != nil {
		return err
	}
	keys, err := s.backend.BreadthFirst(tree)
	if err != nil {
		return err
	}
	s.printKeys(keys)
	return nil
}

func (s *Shell) outputAll(args []string) error {
	tree, err := s.tree()
	if err != nil {
		return err
	}
	keys, err := s.backend.FullScan(tree)
	if err != nil {
		return err
	}
	s.printKeys(keys)
	return nil
}

func (s *Shell) reset(args []string) error {
	tree, err := s.tree()
	if err != nil {
		return err
	}
	return s.backend.Reset(tree)
}

func (s *Shell) clear(args []string) error {
	tree, err := s.tree()
	if err != nil {
		return err
	}
	return s.backend.Clear(tree)
}

func (s *Shell) serialize(args []string) error {
	tree, err := s.tree()
	if err != nil {
		return err
	}
	if err := s.backend.Persist(tree); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "serialized %s\n", tree)
	return nil
}

func (s *Shell) deserialize(args []string) error {
	if len(args) != 1 {
		return usage("deserialize <name>")
	}
	if err := s.backend.Load(args[0]); err != nil {
		return err
	}
	s.current = args[0]
	fmt.Fprintf(s.out, "loaded %s\n", args[0])
	return nil
}

func (s *Shell) cls(args []string) error {
	fmt.Fprint(s.out, "\033c")
	return nil
}

func (s *Shell) help(args []string) error {
	for _, c := range commands {
		fmt.Fprintf(s.out, "  %-24s %s\n", c.usage, c.help)
	}
	return nil
}
