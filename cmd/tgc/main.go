package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tilegpu/tgc/pkg/bitset"
	"github.com/tilegpu/tgc/pkg/ir"
	"github.com/tilegpu/tgc/pkg/liveness"
	"github.com/tilegpu/tgc/pkg/mergeset"
	"github.com/tilegpu/tgc/pkg/progfile"
	"github.com/tilegpu/tgc/pkg/regalloc"
)

var version = "0.1.0"

// Debug flags for dumping intermediate results
var (
	dIR   bool
	dLive bool
	dRA   bool
)

// Register file capacities, in scalar slots
var (
	gprSlots    int
	halfSlots   int
	sharedSlots int
	mergedRegs  bool
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	// Normalize compiler-style single-dash flags to double-dash for pflag
	rootCmd.SetArgs(normalizeFlags(os.Args[1:]))
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// debugFlagNames lists the flags that accept single-dash style
var debugFlagNames = []string{"dir", "dlive", "dra"}

// normalizeFlags converts single-dash debug flags like -dra to --dra
func normalizeFlags(args []string) []string {
	result := make([]string, len(args))
	for i, arg := range args {
		for _, flagName := range debugFlagNames {
			if arg == "-"+flagName {
				result[i] = "--" + flagName
				break
			}
		}
		if result[i] == "" {
			result[i] = arg
		}
	}
	return result
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tgc [file]",
		Short: "tgc allocates registers for tile-GPU shader programs",
		Long: `tgc runs the register-allocation backend of a tile-GPU shader
compiler over programs in the YAML description format: merge-set
construction, liveness, and the dominator-order allocator, with
debug dumps after each stage.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				cmd.Help()
				return nil
			}
			filename := args[0]

			shaders, err := loadShaders(filename, errOut)
			if err != nil {
				return err
			}

			// Handle -dir: dump the IR after merge-set construction
			if dIR {
				return doIR(filename, shaders, out, errOut)
			}

			// Handle -dlive: dump liveness and the pressure estimate
			if dLive {
				return doLive(filename, shaders, out, errOut)
			}

			// Handle -dra: allocate and dump the assigned IR
			if dRA {
				return doRA(filename, shaders, out, errOut)
			}

			for _, sh := range shaders {
				if err := allocate(sh); err != nil {
					fmt.Fprintf(errOut, "tgc: %s: %v\n", sh.Func.Name, err)
					return err
				}
				fmt.Fprintf(errOut, "tgc: allocated %s\n", sh.Func.Name)
			}
			return nil
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	// Add debug flags
	rootCmd.Flags().BoolVarP(&dIR, "dir", "", false, "Dump IR after merge-set construction")
	rootCmd.Flags().BoolVarP(&dLive, "dlive", "", false, "Dump liveness and register pressure")
	rootCmd.Flags().BoolVarP(&dRA, "dra", "", false, "Dump IR after register allocation")

	// Add capacity flags
	rootCmd.Flags().IntVar(&gprSlots, "gprs", 256, "Full-precision register file size in slots")
	rootCmd.Flags().IntVar(&halfSlots, "halfs", 128, "Half-precision slot boundary")
	rootCmd.Flags().IntVar(&sharedSlots, "shared", 32, "Shared register file size in slots")
	rootCmd.Flags().BoolVar(&mergedRegs, "merged", true, "Half file aliases the bottom of the full file")

	return rootCmd
}

func loadShaders(filename string, errOut io.Writer) ([]*progfile.Shader, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(errOut, "tgc: error reading %s: %v\n", filename, err)
		return nil, err
	}
	shaders, err := progfile.Parse(data)
	if err != nil {
		fmt.Fprintf(errOut, "tgc: %v\n", err)
		return nil, err
	}
	return shaders, nil
}

// caps picks the shader's own capacity spec when present, the flags otherwise.
func caps(sh *progfile.Shader) regalloc.Caps {
	if sh.Caps != nil {
		return *sh.Caps
	}
	return regalloc.Caps{
		Full:       gprSlots,
		Half:       halfSlots,
		Shared:     sharedSlots,
		MergedRegs: mergedRegs,
	}
}

// allocate runs the full pipeline over one shader.
func allocate(sh *progfile.Shader) error {
	f := sh.Func
	mergeset.Build(f)
	info := liveness.Compute(f)
	c := caps(sh)
	if err := regalloc.Allocate(f, c, info); err != nil {
		if errors.Is(err, regalloc.ErrPressure) {
			return fmt.Errorf("%w (reduce occupancy or simplify the shader)", err)
		}
		return err
	}
	return regalloc.Validate(f, c)
}

// doIR builds merge sets and writes the IR dump to a .ir file
func doIR(filename string, shaders []*progfile.Shader, out, errOut io.Writer) error {
	return dump(filename, ".ir", out, errOut, func(w io.Writer) error {
		for _, sh := range shaders {
			mergeset.Build(sh.Func)
			ir.NewPrinter(w).PrintFunc(sh.Func)
		}
		return nil
	})
}

// doLive additionally runs liveness and writes the sets to a .live file
func doLive(filename string, shaders []*progfile.Shader, out, errOut io.Writer) error {
	return dump(filename, ".live", out, errOut, func(w io.Writer) error {
		for _, sh := range shaders {
			f := sh.Func
			mergeset.Build(f)
			info := liveness.Compute(f)
			fmt.Fprintf(w, "shader %s\n", f.Name)
			for _, b := range f.Blocks {
				fmt.Fprintf(w, "  b%d: in", b.ID)
				printSet(w, b.LiveIn)
				fmt.Fprint(w, " out")
				printSet(w, b.LiveOut)
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "  pressure: full %d, half %d, shared %d\n",
				info.MaxPressure[ir.ClassFull],
				info.MaxPressure[ir.ClassHalf],
				info.MaxPressure[ir.ClassShared])
		}
		return nil
	})
}

// doRA runs the allocator and writes the assigned IR to a .ra file
func doRA(filename string, shaders []*progfile.Shader, out, errOut io.Writer) error {
	return dump(filename, ".ra", out, errOut, func(w io.Writer) error {
		for _, sh := range shaders {
			if err := allocate(sh); err != nil {
				fmt.Fprintf(errOut, "tgc: %s: %v\n", sh.Func.Name, err)
				return err
			}
			ir.NewPrinter(w).PrintFunc(sh.Func)
		}
		return nil
	})
}

func printSet(w io.Writer, s *bitset.Set) {
	if s == nil {
		return
	}
	s.ForEach(func(id int) {
		fmt.Fprintf(w, " v%d", id)
	})
}

// dump writes a stage's output both to the derived output file and to stdout
func dump(filename, ext string, out, errOut io.Writer, emit func(io.Writer) error) error {
	outputFilename := outputName(filename, ext)
	outFile, err := os.Create(outputFilename)
	if err != nil {
		fmt.Fprintf(errOut, "tgc: error creating %s: %v\n", outputFilename, err)
		return err
	}
	defer outFile.Close()

	if err := emit(io.MultiWriter(outFile, out)); err != nil {
		return err
	}
	return nil
}

// outputName derives the output filename: input.yaml -> input<ext>
func outputName(filename, ext string) string {
	if strings.HasSuffix(filename, ".yaml") {
		return strings.TrimSuffix(filename, ".yaml") + ext
	}
	return filename + ext
}
