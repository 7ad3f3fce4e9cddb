package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/hnakamur/mapscale"
	"github.com/hnakamur/mapscale/workfn"
	"github.com/olekukonko/tablewriter"
)

var (
	bold  = color.New(color.Bold)
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed)
)

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	common := addCommonFlags(fs)
	workers := fs.Int("workers", 2, "number of local workers")
	work := fs.String("work", "square", "work function: "+strings.Join(workfn.Names(), ", "))
	fs.Parse(args)

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	fn, err := workfn.Lookup(*work, logger)
	if err != nil {
		return err
	}
	payloads, err := readNumbers(fs.Args(), os.Stdin)
	if err != nil {
		return err
	}

	ctx, cancel := withSignal(context.Background())
	defer cancel()
	d, err := mapscale.New[float64, float64](ctx, fn, *workers, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		d.Shutdown()
		d.Wait()
	}()

	outcomes, err := d.Submit(ctx, payloads)
	if err != nil {
		return err
	}
	return printOutcomes(os.Stdout, *work, payloads, outcomes)
}

// readNumbers parses args, or whitespace separated numbers from r when
// there are no args.
func readNumbers(args []string, r io.Reader) ([]float64, error) {
	if len(args) == 0 {
		sc := bufio.NewScanner(r)
		sc.Split(bufio.ScanWords)
		for sc.Scan() {
			args = append(args, sc.Text())
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}
	numbers := make([]float64, len(args))
	for i, a := range args {
		x, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		numbers[i] = x
	}
	return numbers, nil
}

func printOutcomes(w io.Writer, work string, payloads []float64, outcomes []mapscale.Outcome[float64]) error {
	table := tablewriter.NewWriter(w)
	table.Header("Job", "Input", work, "Error")
	failed := 0
	for i, o := range outcomes {
		value, message := strconv.FormatFloat(o.Value, 'g', -1, 64), ""
		if o.Err != nil {
			failed++
			value = "-"
			var jerr *mapscale.JobError
			if errors.As(o.Err, &jerr) {
				message = red.Sprint(jerr.Message)
			} else {
				message = red.Sprint(o.Err.Error())
			}
		}
		if err := table.Append(strconv.Itoa(i), strconv.FormatFloat(payloads[i], 'g', -1, 64), value, message); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	if failed > 0 {
		red.Fprintf(w, "%d of %d jobs failed\n", failed, len(outcomes))
	} else {
		green.Fprintf(w, "%d jobs done\n", len(outcomes))
	}
	return nil
}
