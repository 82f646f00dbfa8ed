package main

/*
* CLI to unpack and rewrite obfuscated bytecode distributions
 */

import (
	"fmt"
	"os"
	"strings"

	litb "github.com/anvilsecure/lookinsidethebox"
	"github.com/op/go-logging"
	"github.com/urfave/cli"
)

func PrintFatal(msg string, args ...interface{}) {
	PrintErr("%s", litb.Red(fmt.Sprintf(msg, args...)))
	os.Exit(1)
}

func PrintErr(msg string, args ...interface{}) {
	os.Stderr.WriteString(fmt.Sprintf(msg, args...) + "\n")
}

func openDB(c *cli.Context, overwrite bool) *litb.OpcodeMapping {
	m, err := litb.OpenOpcodeMapping(c.String("db"), overwrite)
	if err != nil {
		PrintFatal("could not open opcode db: %s", err.Error())
	}
	return m
}

func gendbCommand(c *cli.Context) (err error) {
	m := openDB(c, c.Bool("force"))
	if m.Loaded() && !c.Bool("force") {
		PrintErr("opcode db already present, use --force to rebuild")
		return
	}
	err = litb.GenerateOpcodeMapping(c.String("zip"), c.String("python-dir"), m, c.Int("limit"))
	if err != nil {
		PrintFatal(err.Error())
	}
	if err = m.Close(); err != nil {
		PrintFatal("could not write opcode db: %s", err.Error())
	}
	PrintErr("opcode db written to %s (%d opcodes mapped)", c.String("db"), m.Len())
	return
}

func unpackCommand(c *cli.Context) (err error) {
	m := openDB(c, false)
	if !m.Loaded() {
		PrintFatal(litb.ErrNoOpcodeTable.Error())
	}
	err = litb.UnpackZip(c.String("zip"), c.String("out"), m, c.Int("limit"))
	if err != nil {
		PrintFatal(err.Error())
	}
	return
}

func checkdbCommand(c *cli.Context) (err error) {
	m := openDB(c, false)
	if !m.Loaded() {
		PrintFatal(litb.ErrNoOpcodeTable.Error())
	}
	rev := m.Reverse()
	fmt.Printf("mapping as defined in %s is as follows:\n", c.String("db"))
	fmt.Println(litb.Cyan(fmt.Sprintf("| %7s | %10s |", "STOCK", "OBFUSCATED")))
	for stock := 0; stock < 256; stock++ {
		obf, ok := rev[byte(stock)]
		if !ok {
			continue
		}
		fmt.Printf("| %7d | %10d |\n", stock, obf)
	}
	return
}

func patchzipCommand(c *cli.Context) (err error) {
	repl := make(map[string]litb.Replacement)
	for _, arg := range c.StringSlice("replace") {
		parts := strings.SplitN(arg, ":", 3)
		if len(parts) != 3 {
			PrintFatal("bad --replace %q, want member:search:replace", arg)
		}
		repl[parts[0]] = litb.Replacement{Search: parts[1], Replace: parts[2]}
	}
	if len(repl) == 0 {
		PrintFatal("nothing to do, pass at least one --replace member:search:replace")
	}
	err = litb.PatchZip(c.String("zip"), c.String("out"), repl)
	if err != nil {
		PrintFatal(err.Error())
	}
	PrintErr("patched archive written to %s", c.String("out"))
	return
}

func main() {
	app := cli.NewApp()
	app.Name = "litb"
	app.Usage = "unpack and rewrite obfuscated bytecode distributions"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable debug logging",
		},
	}
	app.Before = func(c *cli.Context) error {
		level := logging.WARNING
		if c.Bool("verbose") {
			level = logging.DEBUG
		}
		litb.SetupLogging("litb", level, false)
		return nil
	}

	dbFlag := cli.StringFlag{
		Name:  "db",
		Value: "opcode.db",
		Usage: "opcode database file",
	}
	zipFlag := cli.StringFlag{
		Name:  "zip",
		Usage: "zip archive containing the obfuscated compiled modules",
	}
	limitFlag := cli.IntFlag{
		Name:  "limit",
		Usage: "stop after this many modules (0 = all)",
	}

	app.Commands = []cli.Command{
		cli.Command{
			Name:   "gendb",
			Usage:  "Derive the opcode permutation by pairing archive modules with a bytecompiled reference library.",
			Action: gendbCommand,
			Flags: []cli.Flag{
				zipFlag,
				dbFlag,
				limitFlag,
				cli.StringFlag{
					Name:  "python-dir",
					Usage: "directory holding the bytecompiled reference standard library",
				},
				cli.BoolFlag{
					Name:  "force",
					Usage: "rebuild the opcode db even if one exists",
				},
			},
		},
		cli.Command{
			Name:   "unpack",
			Usage:  "Decrypt every module in the archive and write stock-format modules.",
			Action: unpackCommand,
			Flags: []cli.Flag{
				zipFlag,
				dbFlag,
				limitFlag,
				cli.StringFlag{
					Name:  "out",
					Value: "out",
					Usage: "output directory",
				},
			},
		},
		cli.Command{
			Name:   "checkdb",
			Usage:  "Print the opcode table stored in the database.",
			Action: checkdbCommand,
			Flags:  []cli.Flag{dbFlag},
		},
		cli.Command{
			Name:   "patchzip",
			Usage:  "Replace integrity hash constants in selected members and re-encrypt them.",
			Action: patchzipCommand,
			Flags: []cli.Flag{
				zipFlag,
				cli.StringFlag{
					Name:  "out",
					Value: "out.zip",
					Usage: "output archive",
				},
				cli.StringSliceFlag{
					Name:  "replace",
					Usage: "member:search:replace (repeatable)",
				},
			},
		},
	}
	app.Run(os.Args)
}
