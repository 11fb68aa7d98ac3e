// Command bootsim boots a simulated machine described by a YAML file and
// reports what was handed control. It exercises the whole pipeline: memory
// map, device probing, configuration, menu, and kernel load.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"

	"github.com/loadstone-boot/loadstone/core"
	"github.com/loadstone-boot/loadstone/loader/stone"
	"github.com/loadstone-boot/loadstone/platform/host"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	jsonOut := flag.Bool("json", false, "report the handoff as JSON")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: bootsim [flags] <machine.yaml>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(flag.Arg(0), *jsonOut, log); err != nil {
		log.Error("boot failed", "error", err)
		os.Exit(1)
	}
}

func run(path string, jsonOut bool, log *slog.Logger) error {
	machine, err := host.LoadMachine(path)
	if err != nil {
		return err
	}

	platform, err := host.NewPlatform(machine)
	if err != nil {
		return err
	}

	pipeline := core.New(platform, os.Stdout, log)
	if err := pipeline.Run(); err != nil {
		return err
	}

	if jsonOut {
		return reportJSON(platform)
	}
	return report(platform)
}

func report(p *host.Platform) error {
	h := p.Handoff
	fmt.Printf("\nhandoff: %s protocol\n", h.Protocol)

	switch h.Protocol {
	case "linux":
		fmt.Printf("  cmdline: %s\n", h.Cmdline)
		if h.InitrdSize > 0 {
			fmt.Printf("  initrd:  0x%x (%s)\n", h.InitrdPhys, humanize.IBytes(h.InitrdSize))
		}
		return nil

	case "stone":
		fmt.Printf("  entry:   0x%x\n", h.Entry)
		fmt.Printf("  tags:    0x%x\n", h.TagsPhys)

		tags, err := scanTags(p)
		if err != nil {
			return err
		}
		for _, tag := range tags {
			fmt.Printf("  %-12s %s\n", tagName(tag.Type), humanize.IBytes(uint64(len(tag.Payload))))
		}
	}
	return nil
}

func reportJSON(p *host.Platform) error {
	h := p.Handoff

	w := jwriter.NewWriter()
	obj := w.Object()
	obj.Name("Protocol").String(h.Protocol)

	switch h.Protocol {
	case "linux":
		obj.Name("Cmdline").String(h.Cmdline)
		obj.Name("InitrdPhys").Int(int(h.InitrdPhys))
		obj.Name("InitrdSize").Int(int(h.InitrdSize))

	case "stone":
		obj.Name("Entry").String(fmt.Sprintf("0x%x", h.Entry))
		obj.Name("TagsPhys").String(fmt.Sprintf("0x%x", h.TagsPhys))

		tags, err := scanTags(p)
		if err != nil {
			return err
		}
		arr := obj.Name("Tags").Array()
		for _, tag := range tags {
			tagObj := arr.Object()
			tagObj.Name("Type").String(tagName(tag.Type))
			tagObj.Name("Size").Int(len(tag.Payload))
			tagObj.End()
		}
		arr.End()
	}

	obj.End()
	if err := w.Error(); err != nil {
		return err
	}
	fmt.Printf("%s\n", w.Bytes())
	return nil
}

func scanTags(p *host.Platform) ([]stone.ScannedTag, error) {
	buf, err := p.PhysMemory().Bytes(p.Handoff.TagsPhys, stone.TagsSize)
	if err != nil {
		return nil, err
	}
	return stone.Scan(buf)
}

func tagName(typ uint32) string {
	switch typ {
	case stone.TagCore:
		return "CORE"
	case stone.TagOption:
		return "OPTION"
	case stone.TagMemory:
		return "MEMORY"
	case stone.TagVMem:
		return "VMEM"
	case stone.TagPagetables:
		return "PAGETABLES"
	case stone.TagModule:
		return "MODULE"
	case stone.TagVideo:
		return "VIDEO"
	case stone.TagBootDev:
		return "BOOTDEV"
	case stone.TagLog:
		return "LOG"
	case stone.TagSections:
		return "SECTIONS"
	case stone.TagBiosE820:
		return "E820"
	case stone.TagEFI:
		return "EFI"
	case stone.TagSerial:
		return "SERIAL"
	}
	return fmt.Sprintf("UNKNOWN(%d)", typ)
}
