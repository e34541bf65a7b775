// Command yati-install is the host-side CLI for the installer core: given
// an .nsp/.nsz/.xci/.xcz file, it drives pkg/install end to end against a
// bbolt-backed content store and meta DB, or just inspects a container's
// CNMTs without installing anything.
//
// Grounded on cuemby-warren/cmd/warren/main.go's cobra root command plus
// persistent logging flags, and vjache-cie/cmd/cie/main.go's subcommand
// layout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nxinstall/yati/pkg/cnmt"
	"github.com/nxinstall/yati/pkg/config"
	"github.com/nxinstall/yati/pkg/container"
	"github.com/nxinstall/yati/pkg/install"
	"github.com/nxinstall/yati/pkg/keys"
	"github.com/nxinstall/yati/pkg/log"
	"github.com/nxinstall/yati/pkg/ncm"
	"github.com/nxinstall/yati/pkg/pipeline"
	"github.com/nxinstall/yati/pkg/source"
	"github.com/nxinstall/yati/pkg/store/bolt"
	"github.com/nxinstall/yati/pkg/ticket"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "yati-install",
	Short:   "Install or inspect Switch title packages (NSP/NSZ/XCI/XCZ)",
	Version: fmt.Sprintf("%s (%s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("keys", "", "Path to prod.keys (when unset, searches ./prod.keys, ./keys.txt, ~/.switch/prod.keys, ~/.switch/keys.txt)")
	rootCmd.PersistentFlags().String("data-dir", "./yati-data", "Directory holding the content store, meta DB and ticket DB")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(inspectCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func loadKeys(cmd *cobra.Command) (*keys.Store, error) {
	path, _ := cmd.Flags().GetString("keys")
	store := keys.NewStore()
	if path != "" {
		return store, store.Load(path)
	}
	return store, store.LoadDefault()
}

func openSource(path string) (source.Source, string, error) {
	src, err := source.OpenFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", path, err)
	}
	return src, filepath.Ext(path), nil
}

var installCmd = &cobra.Command{
	Use:   "install <file>",
	Short: "Install an NSP/NSZ/XCI/XCZ package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.WithComponent("cli")

		keyStore, err := loadKeys(cmd)
		if err != nil {
			return fmt.Errorf("load keys: %w", err)
		}

		dataDir, _ := cmd.Flags().GetString("data-dir")
		sdCard, _ := cmd.Flags().GetBool("sd-card")
		allowDowngrade, _ := cmd.Flags().GetBool("allow-downgrade")
		skipTicket, _ := cmd.Flags().GetBool("skip-ticket")
		ticketOnly, _ := cmd.Flags().GetBool("ticket-only")

		cfg := config.Default()
		cfg.SDCardInstall = sdCard
		cfg.AllowDowngrade = allowDowngrade
		cfg.SkipTicket = skipTicket
		cfg.TicketOnly = ticketOnly
		cfg.StagingDir = filepath.Join(dataDir, "staging")
		cfg.SDStagingDir = filepath.Join(dataDir, "sd_staging")

		builtInMeta, err := bolt.OpenMetaDB(filepath.Join(dataDir, "builtin_meta.db"))
		if err != nil {
			return fmt.Errorf("open built-in meta db: %w", err)
		}
		defer builtInMeta.Close()
		builtInContent, err := bolt.NewContentStorage(cfg.StagingDir, filepath.Join(dataDir, "builtin_content"))
		if err != nil {
			return fmt.Errorf("open built-in content storage: %w", err)
		}

		sdMeta, err := bolt.OpenMetaDB(filepath.Join(dataDir, "sd_meta.db"))
		if err != nil {
			return fmt.Errorf("open sd meta db: %w", err)
		}
		defer sdMeta.Close()
		sdContent, err := bolt.NewContentStorage(cfg.SDStagingDir, filepath.Join(dataDir, "sd_content"))
		if err != nil {
			return fmt.Errorf("open sd content storage: %w", err)
		}

		ticketStore, err := ticket.OpenBoltStore(filepath.Join(dataDir, "tickets.db"))
		if err != nil {
			return fmt.Errorf("open ticket store: %w", err)
		}
		defer ticketStore.Close()

		records, err := ncm.OpenBoltRecordService(filepath.Join(dataDir, "records.db"))
		if err != nil {
			return fmt.Errorf("open record service: %w", err)
		}
		defer records.Close()

		src, ext, err := openSource(args[0])
		if err != nil {
			return err
		}
		defer src.Close()

		installer := install.NewInstaller(builtInContent, builtInMeta, sdContent, sdMeta, keyStore, ticketStore, records, cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		progress := make(chan pipeline.Progress, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for p := range progress {
				if p.TitleName != "" {
					fmt.Fprintf(os.Stderr, "\r%s\n", p.TitleName)
					continue
				}
				if p.TotalBytes > 0 {
					fmt.Fprintf(os.Stderr, "\r%d/%d bytes (%.1f%%)", p.WrittenBytes, p.TotalBytes, 100*float64(p.WrittenBytes)/float64(p.TotalBytes))
				}
			}
			fmt.Fprintln(os.Stderr)
		}()

		result, err := installer.Install(ctx, install.Params{Src: src, Ext: ext, Progress: progress})
		close(progress)
		<-done
		if err != nil {
			return fmt.Errorf("install: %w", err)
		}

		for _, s := range result.Skipped {
			logger.Info().Uint64("application_id", s.ApplicationID).Str("reason", s.Reason).Msg("skipped")
		}
		for _, id := range result.Installed {
			fmt.Printf("Installed application %016x\n", id)
		}
		return nil
	},
}

func init() {
	installCmd.Flags().Bool("sd-card", false, "Install to the SD card storage instead of built-in")
	installCmd.Flags().Bool("allow-downgrade", false, "Allow installing a lower patch version than the one already installed")
	installCmd.Flags().Bool("skip-ticket", false, "Skip importing tickets")
	installCmd.Flags().Bool("ticket-only", false, "Import every ticket in the package regardless of whether it's required")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Print a package's container entries and CNMT records without installing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyStore, err := loadKeys(cmd)
		if err != nil {
			return fmt.Errorf("load keys: %w", err)
		}

		src, ext, err := openSource(args[0])
		if err != nil {
			return err
		}
		defer src.Close()

		var col *container.Collection
		switch ext {
		case ".nsp", ".nsz":
			col, err = container.OpenPFS0(src, 0)
		case ".xci", ".xcz":
			col, err = container.OpenXCI(src)
		default:
			return fmt.Errorf("unrecognized extension %q", ext)
		}
		if err != nil {
			return fmt.Errorf("open container: %w", err)
		}

		fmt.Printf("%d entries:\n", len(col.Entries))
		for _, e := range col.Entries {
			fmt.Printf("  %-40s offset=%-10d size=%d\n", e.Name, e.Offset, e.Size)
		}

		for _, e := range append(col.FilterSuffix(".cnmt.nca"), col.FilterSuffix(".cnmt.ncz")...) {
			rec, _, err := cnmt.ReadFromMetaNCA(src, e.Offset, keyStore)
			if err != nil {
				fmt.Printf("%s: failed to parse cnmt: %v\n", e.Name, err)
				continue
			}
			fmt.Printf("\n%s:\n  application_id=%016x version=%d type=%#02x install_type=%#02x contents=%d\n",
				e.Name, rec.Key.ApplicationID, rec.Key.Version, byte(rec.Header.Type), rec.Key.InstallType, len(rec.ContentInfos))
			for _, ci := range rec.ContentInfos {
				fmt.Printf("    content %x type=%d size=%d\n", ci.ContentID, ci.ContentType, ci.Size)
			}
		}
		return nil
	},
}
