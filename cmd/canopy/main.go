package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/canopysh/canopy/pkg/display"
	"github.com/canopysh/canopy/pkg/inventory"
	"github.com/canopysh/canopy/pkg/logger"
	"github.com/canopysh/canopy/pkg/nodeset"
	"github.com/canopysh/canopy/pkg/sshconfig"
	"github.com/canopysh/canopy/pkg/task"
	"github.com/canopysh/canopy/pkg/topology"
)

var (
	Version = "dev" // Set at build time

	configPath     string
	fanout         int
	commandTimeout float64
	connectTimeout float64
	topologyFile   string
	logLevel       string
	noTUI          bool

	exitCode int
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "canopy",
		Short:   "Run commands and copies across cluster nodes",
		Version: Version,
		Long: `canopy - parallel command execution over node sets

Examples:
  canopy exec -w 'web[1-8]' -- uptime
  canopy exec -w @rack1 -b -- 'uname -r'
  canopy copy -w 'web[1-8]' --src ./app.conf --dest /etc/app/app.conf
  canopy rcopy -w 'web[1-8]' --src /var/log/app.log --dest ./logs
  canopy nodeset fold web1,web2,web3
  canopy groups list
  canopy topology print`,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default: ~/.canopy/config.toml)")
	rootCmd.PersistentFlags().IntVarP(&fanout, "fanout", "f", 0, "Max simultaneous connections (default: 64)")
	rootCmd.PersistentFlags().Float64VarP(&commandTimeout, "timeout", "t", 0, "Per-command timeout in seconds (default: none)")
	rootCmd.PersistentFlags().Float64Var(&connectTimeout, "connect-timeout", 0, "Connect timeout in seconds (default: 10)")
	rootCmd.PersistentFlags().StringVar(&topologyFile, "topology", "", "Routes file enabling tree propagation")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().BoolVar(&noTUI, "no-tui", false, "Disable the live table, use text output")

	// Set version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(copyCmd())
	rootCmd.AddCommand(rcopyCmd())
	rootCmd.AddCommand(nodesetCmd())
	rootCmd.AddCommand(groupsCmd())
	rootCmd.AddCommand(topologyCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}

// loadInventory reads the configuration and points the shared logger at
// its [log] table, with the command line overriding the level.
func loadInventory() (*inventory.Inventory, error) {
	inv, err := inventory.New(configPath)
	if err != nil {
		return nil, err
	}
	logCfg := inv.Config().Log
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	logger.Apply(&logCfg)
	return inv, nil
}

// newTask builds a task from the inventory settings and the flag
// overrides, with tree propagation armed when routes are configured.
func newTask(inv *inventory.Inventory) (*task.Task, error) {
	cfg := inv.Config()

	connect := cfg.Task.ConnectTimeout
	if connectTimeout > 0 {
		connect = connectTimeout
	}

	sshOpts := sshconfig.Options{
		User:           cfg.SSH.User,
		Port:           cfg.SSH.Port,
		KeyPath:        cfg.SSH.KeyPath,
		KnownHostsPath: cfg.SSH.KnownHostsPath,
		StrictHostKey:  cfg.SSH.StrictHostKey,
		ConnectTimeout: seconds(connect),
	}
	if rejected := sshOpts.ApplyStrings(cfg.SSH.Options); len(rejected) > 0 {
		logger.New("cli").Warnw("ignoring unsupported ssh options", "options", rejected)
	}
	dialer, err := sshconfig.NewDialer(sshOpts)
	if err != nil {
		return nil, errors.Wrap(err, "ssh dialer")
	}

	tk, err := task.New(task.Options{
		Engine: cfg.Task.Engine,
		Dialer: dialer,
		Log:    logger.New("task"),
	})
	if err != nil {
		return nil, err
	}

	tk.SetInfo("fanout", cfg.Task.Fanout)
	tk.SetInfo("connect_timeout", connect)
	tk.SetInfo("command_timeout", cfg.Task.CommandTimeout)
	tk.SetInfo("grooming_delay", cfg.Task.GroomingDelay)
	if cfg.SSH.GatewayCommand != "" {
		tk.SetInfo("gateway_command", cfg.SSH.GatewayCommand)
	}
	if fanout > 0 {
		tk.SetFanout(fanout)
	}
	if commandTimeout > 0 {
		tk.SetInfo("command_timeout", commandTimeout)
	}

	if err := installTopology(inv, tk); err != nil {
		return nil, err
	}
	return tk, nil
}

func installTopology(inv *inventory.Inventory, tk *task.Task) error {
	if topologyFile != "" {
		return tk.LoadTopology(topologyFile)
	}
	topo := inv.Config().Topology
	if topo.File != "" {
		return tk.LoadTopology(inventory.ExpandPath(topo.File))
	}
	if len(topo.Routes) == 0 {
		return nil
	}
	g, err := topology.FromMap(topo.Routes)
	if err != nil {
		return err
	}
	tree, err := g.Tree(tk.Nodename())
	if err != nil {
		return err
	}
	tk.SetTopology(tree)
	return nil
}

// parseTargets expands a node set expression, resolving @group terms
// through the inventory's sources.
func parseTargets(inv *inventory.Inventory, expr string) (*nodeset.NodeSet, error) {
	ns, err := nodeset.ParseWith(expr, inv.Resolver())
	if err != nil {
		return nil, err
	}
	if ns.IsEmpty() {
		return nil, errors.New("no nodes to target")
	}
	return ns, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// queueInput feeds the flag-provided string to every command and closes
// standard input, so commands that read from it do not hang.
func queueInput(w task.Worker, input string) error {
	if input != "" {
		if err := w.Write([]byte(input)); err != nil {
			return err
		}
	}
	return w.SetWriteEOF()
}

// recordExit remembers the run's verdict for the process exit code.
func recordExit(tk *task.Task) {
	exitCode = tk.MaxRetcode()
	if tk.NumTimeout() > 0 && exitCode == 0 {
		exitCode = 1
	}
}

// execCmd runs a command on a node set
func execCmd() *cobra.Command {
	var nodes string
	var input string
	var gather bool
	var separateStderr bool

	cmd := &cobra.Command{
		Use:   "exec -w NODES [OPTIONS] -- COMMAND",
		Short: "Run a command on a set of nodes",
		Example: `  canopy exec -w 'web[1-8]' -- uptime
  canopy exec -w @rack1 -b -- 'grep -c ^processor /proc/cpuinfo'
  canopy exec -w 'db[1-4]' --input y -- ./rollout.sh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			if command == "" {
				return errors.New("command is required")
			}
			if nodes == "" {
				return errors.New("--nodes is required")
			}

			inv, err := loadInventory()
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			targets, err := parseTargets(inv, nodes)
			if err != nil {
				return err
			}
			tk, err := newTask(inv)
			if err != nil {
				return err
			}

			opts := task.ExecOptions{Nodes: targets, Stderr: separateStderr}
			useTUI := !noTUI && targets.Len() > 1 && display.IsTerminal(os.Stdout)

			if useTUI {
				model := display.NewLiveModel(command, targets.Nodes())
				program := tea.NewProgram(model, tea.WithoutSignalHandler())
				opts.Handler = display.NewLiveHandler(program)

				w, err := tk.Shell(command, opts)
				if err != nil {
					return err
				}
				if err := queueInput(w, input); err != nil {
					return err
				}

				errChan := make(chan error, 1)
				go func() {
					err := tk.Resume(0)
					program.Send(display.DoneMsg{})
					errChan <- err
				}()

				if _, err := program.Run(); err != nil {
					return err
				}
				tk.Abort()
				if err := <-errChan; err != nil {
					return err
				}
			} else {
				if !gather {
					opts.Handler = display.NewPrinter(os.Stdout, os.Stderr)
				}
				w, err := tk.Shell(command, opts)
				if err != nil {
					return err
				}
				if err := queueInput(w, input); err != nil {
					return err
				}
				if err := tk.Resume(0); err != nil {
					return err
				}
			}

			if gather {
				fmt.Print(display.Grouped(tk))
				if separateStderr {
					fmt.Fprint(os.Stderr, display.GroupedErrors(tk))
				}
				fmt.Fprint(os.Stderr, display.Summary(tk))
			} else if useTUI {
				fmt.Fprint(os.Stderr, display.Summary(tk))
			}

			recordExit(tk)
			return nil
		},
	}

	cmd.Flags().StringVarP(&nodes, "nodes", "w", "", "Target node set or @group (required)")
	cmd.Flags().BoolVarP(&gather, "gather", "b", false, "Buffer output and fold identical results per group")
	cmd.Flags().BoolVar(&separateStderr, "stderr", false, "Keep remote stderr separate from stdout")
	cmd.Flags().StringVar(&input, "input", "", "String to feed every command's standard input")

	return cmd
}

// copyCmd pushes a local file or tree to a node set
func copyCmd() *cobra.Command {
	var nodes string
	var src, dest string
	var preserve bool

	cmd := &cobra.Command{
		Use:   "copy -w NODES --src PATH [--dest PATH]",
		Short: "Copy a local file or tree to a set of nodes",
		Example: `  canopy copy -w 'web[1-8]' --src ./app.conf --dest /etc/app/app.conf
  canopy copy -w @rack1 --src ./certs --preserve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if src == "" {
				return errors.New("--src is required")
			}
			if nodes == "" {
				return errors.New("--nodes is required")
			}

			inv, err := loadInventory()
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			targets, err := parseTargets(inv, nodes)
			if err != nil {
				return err
			}
			tk, err := newTask(inv)
			if err != nil {
				return err
			}

			opts := task.CopyOptions{Nodes: targets, Preserve: preserve}
			useTUI := !noTUI && targets.Len() > 1 && display.IsTerminal(os.Stdout)

			if useTUI {
				label := src
				if dest != "" {
					label = src + " -> " + dest
				}
				model := display.NewCopyModel(label, targets.Nodes(), 0)
				program := tea.NewProgram(model, tea.WithoutSignalHandler())
				opts.Handler = display.NewCopyHandler(program)

				w, err := tk.Copy(src, dest, opts)
				if err != nil {
					return err
				}
				if cw, ok := w.(*task.CopyWorker); ok {
					model.SetTotal(cw.ArchiveSize())
				}

				errChan := make(chan error, 1)
				go func() {
					err := tk.Resume(0)
					program.Send(display.DoneMsg{})
					errChan <- err
				}()

				if _, err := program.Run(); err != nil {
					return err
				}
				tk.Abort()
				if err := <-errChan; err != nil {
					return err
				}
			} else {
				opts.Handler = display.NewPrinter(os.Stdout, os.Stderr)
				if _, err := tk.Copy(src, dest, opts); err != nil {
					return err
				}
				if err := tk.Resume(0); err != nil {
					return err
				}
			}

			fmt.Fprint(os.Stderr, display.Summary(tk))
			recordExit(tk)
			return nil
		},
	}

	cmd.Flags().StringVarP(&nodes, "nodes", "w", "", "Target node set or @group (required)")
	cmd.Flags().StringVarP(&src, "src", "s", "", "Local source path (required)")
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "Destination path on the nodes (default: beside the source)")
	cmd.Flags().BoolVar(&preserve, "preserve", false, "Keep permissions and modification times")

	return cmd
}

// rcopyCmd pulls a remote file or tree from a node set
func rcopyCmd() *cobra.Command {
	var nodes string
	var src, dest string
	var preserve bool

	cmd := &cobra.Command{
		Use:   "rcopy -w NODES --src PATH [--dest PATH]",
		Short: "Fetch a file or tree from a set of nodes",
		Long: `Fetch src from every node into dest/<node>/, one subdirectory per
node so the copies do not collide.`,
		Example: `  canopy rcopy -w 'web[1-8]' --src /var/log/app.log --dest ./logs
  canopy rcopy -w @rack1 --src /etc/nginx`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if src == "" {
				return errors.New("--src is required")
			}
			if nodes == "" {
				return errors.New("--nodes is required")
			}

			inv, err := loadInventory()
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			targets, err := parseTargets(inv, nodes)
			if err != nil {
				return err
			}
			tk, err := newTask(inv)
			if err != nil {
				return err
			}

			opts := task.CopyOptions{
				Nodes:    targets,
				Preserve: preserve,
				Handler:  display.NewPrinter(os.Stdout, os.Stderr),
			}
			if _, err := tk.Rcopy(src, dest, opts); err != nil {
				return err
			}
			if err := tk.Resume(0); err != nil {
				return err
			}

			fmt.Fprint(os.Stderr, display.Summary(tk))
			recordExit(tk)
			return nil
		},
	}

	cmd.Flags().StringVarP(&nodes, "nodes", "w", "", "Source node set or @group (required)")
	cmd.Flags().StringVarP(&src, "src", "s", "", "Path on the nodes (required)")
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "Local destination directory (default: beside the source path)")
	cmd.Flags().BoolVar(&preserve, "preserve", false, "Keep permissions and modification times")

	return cmd
}

// nodesetCmd folds, expands and counts node set expressions
func nodesetCmd() *cobra.Command {
	var exclude, intersect, xor string

	cmd := &cobra.Command{
		Use:   "nodeset",
		Short: "Fold, expand and count node sets",
		Long: `Node set arguments are unioned, then the set flags apply in order:
--exclude, --intersection, --xor. Group references like @rack1 resolve
through the configured sources.`,
	}

	cmd.PersistentFlags().StringVarP(&exclude, "exclude", "x", "", "Node set to subtract")
	cmd.PersistentFlags().StringVarP(&intersect, "intersection", "i", "", "Node set to intersect with")
	cmd.PersistentFlags().StringVarP(&xor, "xor", "X", "", "Node set for the symmetric difference")

	build := func(args []string) (*nodeset.NodeSet, error) {
		inv, err := loadInventory()
		if err != nil {
			return nil, errors.Wrap(err, "load config")
		}
		r := inv.Resolver()
		ns, err := nodeset.ParseWith(strings.Join(args, ","), r)
		if err != nil {
			return nil, err
		}
		if exclude != "" {
			other, err := nodeset.ParseWith(exclude, r)
			if err != nil {
				return nil, err
			}
			ns.DifferenceUpdate(other)
		}
		if intersect != "" {
			other, err := nodeset.ParseWith(intersect, r)
			if err != nil {
				return nil, err
			}
			ns.IntersectionUpdate(other)
		}
		if xor != "" {
			other, err := nodeset.ParseWith(xor, r)
			if err != nil {
				return nil, err
			}
			ns.SymmetricDifferenceUpdate(other)
		}
		return ns, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "fold SET...",
		Short:   "Print the folded form of the node sets",
		Example: `  canopy nodeset fold web1,web2,web3 'web[5-9]'`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := build(args)
			if err != nil {
				return err
			}
			fmt.Println(ns.String())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "expand SET...",
		Short:   "Print every node of the node sets",
		Example: `  canopy nodeset expand 'web[1-3]'`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := build(args)
			if err != nil {
				return err
			}
			fmt.Println(strings.Join(ns.Nodes(), " "))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "count SET...",
		Short:   "Print the number of nodes in the node sets",
		Example: `  canopy nodeset count 'web[1-64]' -x web13`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := build(args)
			if err != nil {
				return err
			}
			fmt.Println(ns.Len())
			return nil
		},
	})

	return cmd
}

// groupsCmd inspects node group sources
func groupsCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Inspect node group sources",
	}

	cmd.PersistentFlags().StringVarP(&source, "source", "s", "", "Group source (default: the configured default)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List group sources and their groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := loadInventory()
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			r := inv.Resolver()
			for _, name := range r.SourceNames() {
				marker := " "
				if name == r.DefaultSourceName() {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, name)
				groups, err := r.List(name)
				if err != nil {
					continue
				}
				for _, g := range groups {
					fmt.Printf("    @%s\n", g)
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show GROUP",
		Short: "Print the nodes of a group, folded",
		Example: `  canopy groups show rack1
  canopy groups show -s genders compute`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := loadInventory()
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			group := strings.TrimPrefix(args[0], "@")
			nodes, err := inv.Resolver().GroupNodes(source, group)
			if err != nil {
				return err
			}
			ns, err := nodeset.FromNodes(nodes)
			if err != nil {
				return err
			}
			fmt.Println(ns.String())
			return nil
		},
	})

	return cmd
}

// topologyCmd inspects the propagation tree
func topologyCmd() *cobra.Command {
	var file string
	var root string

	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Inspect the propagation tree",
	}

	cmd.PersistentFlags().StringVar(&file, "file", "", "Routes file (default: the configured topology)")
	cmd.PersistentFlags().StringVar(&root, "root", "", "Tree root (default: this node's name)")

	load := func() (*topology.Tree, error) {
		inv, err := loadInventory()
		if err != nil {
			return nil, errors.Wrap(err, "load config")
		}
		topo := inv.Config().Topology

		var g *topology.Graph
		switch {
		case file != "":
			g, err = topology.LoadFile(file)
		case topo.File != "":
			g, err = topology.LoadFile(inventory.ExpandPath(topo.File))
		case len(topo.Routes) > 0:
			g, err = topology.FromMap(topo.Routes)
		default:
			return nil, errors.New("no topology configured")
		}
		if err != nil {
			return nil, err
		}

		r := root
		if r == "" {
			r = shortHostname()
		}
		return g.Tree(r)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the tree rooted at this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := load()
			if err != nil {
				return err
			}
			fmt.Println(tree.String())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the routes assemble into a valid tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := load()
			if err != nil {
				return err
			}
			fmt.Printf("topology ok: %d gateways, %d nodes\n",
				tree.Gateways().Len(), tree.Nodes().Len())
			return nil
		},
	})

	return cmd
}

func shortHostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host
}

// versionCmd returns version command
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of canopy",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("canopy version %s\n", Version)
		},
	}
}
