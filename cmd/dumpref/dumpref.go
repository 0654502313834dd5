// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Command dumpref prints what the loader sees in a referenced binary.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/amirebrahimi/qsharp-compiler/loader"
	"github.com/amirebrahimi/qsharp-compiler/pe"
	"github.com/amirebrahimi/qsharp-compiler/program"
)

type Globals struct {
	Verbose bool `short:"v" help:"Log debug output to stderr."`
	NoMmap  bool `name:"no-mmap" help:"Read binaries without memory mapping them."`
}

func (g *Globals) options() *loader.Options {
	return &loader.Options{
		OnException: func(err error) { fmt.Fprintf(os.Stderr, "exception: %v\n", err) },
		DisableMmap: g.NoMmap,
	}
}

type dumpref struct {
	Globals

	Headers   headersCmd   `cmd:"" help:"Load the headers of a binary."`
	Image     imageCmd     `cmd:"" help:"Load the embedded program image of a binary."`
	Resources resourcesCmd `cmd:"" help:"List the manifest resources of a binary."`
	Sections  sectionsCmd  `cmd:"" help:"Dump the PE headers and sections of a binary."`
	Decode    decodeCmd    `cmd:"" help:"Decode a program image resource extracted to a file."`
}

type headersCmd struct {
	IgnoreResource bool   `name:"ignore-resource" help:"Read header attributes even when a program image is embedded."`
	Source         string `arg:"" help:"Path or absolute file URI of the binary."`
}

func (c *headersCmd) Run(g *Globals) error {
	opts := g.options()
	opts.IgnoreEmbeddedResource = c.IgnoreResource

	headers, ok, err := loader.LoadHeaders(c.Source, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Source: %s\nLoaded: %v\n\n", headers.SourceID, ok)
	if headers.Namespaces != nil {
		fmt.Printf("%d namespaces from the embedded program image:\n\n", len(headers.Namespaces))
		for _, ns := range headers.Namespaces {
			fmt.Printf("  %s (%d elements)\n", ns.Name, len(ns.Elements))
		}
		return nil
	}

	fmt.Printf("%d header attributes:\n\n", len(headers.Attributes))
	for _, a := range headers.Attributes {
		fmt.Printf("  %s: %q\n", a.Name, a.Value)
	}
	return nil
}

type imageCmd struct {
	Path string `arg:"" type:"existingfile" help:"Path of the binary."`
}

func printImage(img *program.Image) error {
	out, err := bson.MarshalExtJSON(img, false, false)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", out)
	return nil
}

func (c *imageCmd) Run(g *Globals) error {
	img, ok, err := loader.LoadProgramImage(c.Path, g.options())
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no program image could be loaded")
	}
	return printImage(img)
}

type resourcesCmd struct {
	Path string `arg:"" type:"existingfile" help:"Path of the binary."`
}

func (c *resourcesCmd) Run(g *Globals) error {
	peh, err := pe.NewPEFromFileName(c.Path, &pe.Options{DisableMmap: g.NoMmap})
	if err != nil {
		return err
	}
	defer peh.Close()

	md, err := peh.MetadataReader()
	if err != nil {
		return err
	}

	all, err := md.ManifestResources()
	if err != nil {
		return err
	}

	dirOffset, hasDir := peh.ResourcesDirectoryOffset()
	fmt.Printf("%d manifest resources:\n\n", len(all))
	for i, mr := range all {
		switch {
		case !mr.IsLocal():
			fmt.Printf("%2d: %q in %v\n", i, mr.Name, mr.Implementation)
		case hasDir:
			fmt.Printf("%2d: %q at file offset 0x%08X\n", i, mr.Name, int64(dirOffset)+int64(mr.Offset))
		default:
			fmt.Printf("%2d: %q at resource offset 0x%08X (no resources directory)\n", i, mr.Name, mr.Offset)
		}
	}
	return nil
}

type sectionsCmd struct {
	Path string `arg:"" type:"existingfile" help:"Path of the binary."`
}

func (c *sectionsCmd) Run(g *Globals) error {
	peh, err := pe.NewPEFromFileName(c.Path, &pe.Options{DisableMmap: g.NoMmap})
	if err != nil {
		return err
	}
	defer peh.Close()

	fmt.Printf("FileHeader:\n\n%#v\n\n", *(peh.FileHeader()))

	sections := peh.Sections()
	fmt.Printf("%d sections:\n\n", len(sections))
	for i, sec := range sections {
		fmt.Printf("Index %2d: %s\n%#v\n\n", i, sec.NameString(), sec)
	}

	if cor, err := peh.CorHeader(); err == nil {
		fmt.Printf("CLI header:\n\n%#v\n\n", *cor)
	} else {
		fmt.Printf("CLI header: %v\n\n", err)
	}

	switch vi, err := peh.VersionInfo(); {
	case err == nil:
		fv, pv := vi.FileVersion(), vi.ProductVersion()
		fmt.Printf("File version %s, product version %s\n", fv.String(), pv.String())
	case errors.Is(err, pe.ErrNotPresent):
		fmt.Printf("No version resource\n")
	default:
		return err
	}
	return nil
}

type decodeCmd struct {
	Path string `arg:"" type:"existingfile" help:"File holding a length-prefixed program image."`
}

func (c *decodeCmd) Run(g *Globals) error {
	f, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	img, err := program.ReadResource(f, nil)
	if err != nil {
		return err
	}
	return printImage(img)
}

func main() {
	var args dumpref
	ctx := kong.Parse(&args,
		kong.Name("dumpref"),
		kong.Description("Inspect the program data carried by referenced binaries."),
		kong.UsageOnError(),
	)

	log.SetHandler(cli.New(os.Stderr))
	if args.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx.FatalIfErrorf(ctx.Run(&args.Globals))
}
