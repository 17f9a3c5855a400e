// Command deployer builds vqn and pushes it, with its docs and config file,
// to a set of hosts over ssh and rsync, then restarts the node on each.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"valqueue.node/vqn/internal/config"
)

const (
	binaryName = "vqn"
	remoteUser = "vqn"
)

type options struct {
	hosts      string
	configPath string
	key        string
	binary     string
	remoteDir  string
	parallel   int
	skipBuild  bool
}

type hostResult struct {
	host     string
	duration time.Duration
	err      error
}

func main() {
	homeDir, _ := os.UserHomeDir()

	var opts options
	pflag.StringVar(&opts.hosts, "hosts", "all", "Comma-separated list of hosts, or 'all' for every bootstrap address in --config")
	pflag.StringVar(&opts.configPath, "config", "config.json", "Node config file to deploy and to read bootstrap hosts from")
	pflag.StringVar(&opts.key, "key", filepath.Join(homeDir, ".ssh", "vqn.key"), "Path to SSH private key")
	pflag.StringVar(&opts.binary, "binary", binaryName, "Path for the compiled binary")
	pflag.StringVar(&opts.remoteDir, "remote-dir", "/home/vqn/vqn-app", "Remote deployment directory")
	pflag.IntVar(&opts.parallel, "parallel", 2, "Number of hosts to deploy concurrently")
	pflag.BoolVar(&opts.skipBuild, "skip-build", false, "Skip rebuilding the binary before deployment")
	pflag.Parse()

	log, _ := zap.NewDevelopment()
	defer log.Sync() //nolint:errcheck

	if err := deploy(log, opts); err != nil {
		log.Fatal("deployment failed", zap.Error(err))
	}
}

func deploy(log *zap.Logger, opts options) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	hostList, err := resolveHosts(opts.hosts, cfg)
	if err != nil {
		return fmt.Errorf("resolve hosts: %w", err)
	}
	if len(hostList) == 0 {
		return errors.New("no hosts specified")
	}

	for _, tool := range []string{"rsync", "ssh", "go"} {
		if err := ensureToolExists(tool); err != nil {
			return err
		}
	}
	if err := ensureFileExists(opts.key); err != nil {
		return fmt.Errorf("ssh key not accessible: %w", err)
	}

	binaryPath, err := filepath.Abs(opts.binary)
	if err != nil {
		return fmt.Errorf("determine binary path: %w", err)
	}
	docsDir, err := filepath.Abs(cfg.DocsDir)
	if err != nil {
		return fmt.Errorf("resolve docs directory: %w", err)
	}

	if opts.skipBuild {
		log.Info("skipping build step")
	} else {
		if err := runLocal(log, "go", "run", "./cmd/docgen", "--out", filepath.Join(docsDir, "api.adoc")); err != nil {
			return fmt.Errorf("generate docs: %w", err)
		}
		log.Info("building binary", zap.String("path", binaryPath))
		if err := runLocal(log, "go", "build", "-o", binaryPath, "."); err != nil {
			return fmt.Errorf("build binary: %w", err)
		}
	}

	d := &deployer{
		log:        log,
		keyPath:    opts.key,
		binaryPath: binaryPath,
		docsDir:    docsDir,
		configPath: opts.configPath,
		remoteDir:  opts.remoteDir,
	}
	results := d.runAll(hostList, opts.parallel)

	var failed int
	for _, r := range results {
		if r.err != nil {
			failed++
			log.Error("host failed", zap.String("host", r.host),
				zap.Duration("after", r.duration.Truncate(time.Millisecond)), zap.Error(r.err))
		} else {
			log.Info("host deployed", zap.String("host", r.host),
				zap.Duration("in", r.duration.Truncate(time.Millisecond)))
		}
	}
	if failed > 0 {
		return fmt.Errorf("deployment failed on %d host(s)", failed)
	}
	return nil
}

// resolveHosts returns the hosts named by flagValue. "all" or empty means
// the IP of every bootstrap address configured for the node's network,
// layer and node type.
func resolveHosts(flagValue string, cfg *config.Config) ([]string, error) {
	if flagValue != "" && flagValue != "all" {
		var hosts []string
		for _, p := range strings.Split(flagValue, ",") {
			if h := strings.TrimSpace(p); h != "" {
				hosts = append(hosts, h)
			}
		}
		return hosts, nil
	}

	addrs, err := cfg.BootstrapFor(cfg.Key())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var hosts []string
	for _, a := range addrs {
		host, _, err := net.SplitHostPort(a)
		if err != nil {
			return nil, fmt.Errorf("bootstrap address %q: %w", a, err)
		}
		if !seen[host] {
			seen[host] = true
			hosts = append(hosts, host)
		}
	}
	sort.Strings(hosts)
	return hosts, nil
}

func ensureToolExists(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("required tool %q not found in PATH", name)
	}
	return nil
}

func ensureFileExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func runLocal(log *zap.Logger, name string, args ...string) error {
	log.Debug("running", zap.String("cmd", name), zap.Strings("args", args))
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

type deployer struct {
	log        *zap.Logger
	keyPath    string
	binaryPath string
	docsDir    string
	configPath string
	remoteDir  string
}

func (d *deployer) runAll(hosts []string, parallel int) []hostResult {
	results := make([]hostResult, len(hosts))

	var g errgroup.Group
	g.SetLimit(max(1, parallel))
	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			start := time.Now()
			err := d.deployHost(host)
			results[i] = hostResult{host: host, duration: time.Since(start), err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *deployer) deployHost(host string) error {
	log := d.log.With(zap.String("host", host))
	log.Info("starting deployment")

	target := fmt.Sprintf("%s@%s", remoteUser, host)

	if err := d.sshRun(target, stopCommand(), 15*time.Second); err != nil {
		return fmt.Errorf("stop remote binary: %w", err)
	}
	if err := d.sshRun(target, waitStoppedCommand(15), 20*time.Second); err != nil {
		return fmt.Errorf("wait for remote binary to exit: %w", err)
	}

	// The data directory and key file are left alone so the node keeps its
	// wallet and chain across deployments.
	if err := d.sshRun(target, fmt.Sprintf("mkdir -p %s/docs", d.remoteDir), 20*time.Second); err != nil {
		return fmt.Errorf("prepare remote directories: %w", err)
	}

	if err := d.rsyncCopy(d.binaryPath, fmt.Sprintf("%s:%s/%s", target, d.remoteDir, binaryName)); err != nil {
		return fmt.Errorf("rsync binary: %w", err)
	}
	if err := d.rsyncCopy(d.configPath, fmt.Sprintf("%s:%s/config.json", target, d.remoteDir)); err != nil {
		return fmt.Errorf("rsync config: %w", err)
	}
	if err := d.rsyncCopy(d.docsDir+"/", fmt.Sprintf("%s:%s/docs/", target, d.remoteDir)); err != nil {
		return fmt.Errorf("rsync docs: %w", err)
	}

	if err := d.sshRun(target, fmt.Sprintf("chmod +x %s/%s", d.remoteDir, binaryName), 5*time.Second); err != nil {
		return fmt.Errorf("set executable bit: %w", err)
	}
	if err := d.sshRun(target, startCommand(d.remoteDir), 30*time.Second); err != nil {
		return fmt.Errorf("start remote binary: %w", err)
	}

	time.Sleep(2 * time.Second)
	if err := d.sshRun(target, "pgrep -f '"+processPattern+"'", 5*time.Second); err != nil {
		log.Warn("process failed to start, fetching vqn.log")
		if logErr := d.sshRun(target, fmt.Sprintf("tail -n 50 %s/vqn.log", d.remoteDir), 5*time.Second); logErr != nil {
			log.Warn("log not fetched", zap.Error(logErr))
		}
		return fmt.Errorf("verify process running: %w", err)
	}

	log.Info("deployment succeeded")
	return nil
}

// processPattern matches the running node's command line.
const processPattern = binaryName + " run"

func startCommand(remoteDir string) string {
	return fmt.Sprintf("cd %s && setsid -f nohup ./%s run --config config.json > vqn.log 2>&1 < /dev/null",
		remoteDir, binaryName)
}

func stopCommand() string {
	return fmt.Sprintf("pgrep -f '%[1]s' >/dev/null && pkill -TERM -f '%[1]s' || true", processPattern)
}

func waitStoppedCommand(seconds int) string {
	return fmt.Sprintf("count=0; while pgrep -f '%s' >/dev/null; do if [ \"$count\" -ge %d ]; then exit 1; fi; count=$((count+1)); sleep 1; done",
		processPattern, seconds)
}

func (d *deployer) sshRun(target, remoteCmd string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ssh",
		"-i", d.keyPath,
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=no",
		target,
		remoteCmd,
	)
	var output strings.Builder
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("ssh command timed out: %s", remoteCmd)
		}
		return fmt.Errorf("ssh error (%s): %v | output: %s", remoteCmd, err, strings.TrimSpace(output.String()))
	}
	if out := strings.TrimSpace(output.String()); out != "" {
		d.log.Info("ssh output", zap.String("target", target), zap.String("output", out))
	}
	return nil
}

func (d *deployer) rsyncCopy(src, dest string) error {
	cmd := exec.Command("rsync", rsyncArgs(d.keyPath, src, dest)...)
	var output strings.Builder
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rsync output: %s | err: %w", strings.TrimSpace(output.String()), err)
	}
	if out := strings.TrimSpace(output.String()); out != "" {
		d.log.Debug("rsync output", zap.String("output", out))
	}
	return nil
}

func rsyncArgs(keyPath, src, dest string) []string {
	return []string{
		"-az",
		"--delete",
		"--exclude=vqn_key.pem",
		"--exclude=data/",
		"-e", fmt.Sprintf("ssh -i %s -o BatchMode=yes -o StrictHostKeyChecking=no", keyPath),
		src,
		dest,
	}
}
