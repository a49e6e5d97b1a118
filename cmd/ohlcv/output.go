package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/PerterPon/open-back/internal/models"
)

type candleWriter func(w io.Writer, candles []models.Candle) error

var candleWriters = map[string]candleWriter{
	"table": writeTable,
	"json":  writeJSON,
	"csv":   writeCSV,
}

func writeJSON(w io.Writer, candles []models.Candle) error {
	if candles == nil {
		candles = []models.Candle{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(candles)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func writeCSV(w io.Writer, candles []models.Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"open_time", "symbol", "interval", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, c := range candles {
		err := cw.Write([]string{
			c.OpenTime.UTC().Format(time.RFC3339),
			c.Symbol,
			c.Interval.String(),
			formatFloat(c.Open),
			formatFloat(c.High),
			formatFloat(c.Low),
			formatFloat(c.Close),
			formatFloat(c.Volume),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeTable(w io.Writer, candles []models.Candle) error {
	if len(candles) == 0 {
		_, err := fmt.Fprintln(w, "No candles found for the specified criteria.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Open time\tSymbol\tInterval\tOpen\tHigh\tLow\tClose\tVolume\t")
	for _, c := range candles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			c.OpenTime.UTC().Format("2006-01-02 15:04"),
			c.Symbol,
			c.Interval,
			formatFloat(c.Open),
			formatFloat(c.High),
			formatFloat(c.Low),
			formatFloat(c.Close),
			formatFloat(c.Volume))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d candles\n", len(candles))
	return err
}

func writeGaps(w io.Writer, symbol string, interval models.Interval, from, to time.Time, found []models.Gap) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Gap audit for %s %s from %s to %s\n",
		symbol, interval, from.Format(time.RFC3339), to.Format(time.RFC3339))

	if len(found) == 0 {
		b.WriteString("No gaps found.\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	missing := 0
	for _, g := range found {
		missing += g.MissingCandles()
		fmt.Fprintf(&b, "  - %s .. %s  (%d candles)\n",
			g.Start.UTC().Format(time.RFC3339), g.End.UTC().Format(time.RFC3339), g.MissingCandles())
	}
	fmt.Fprintf(&b, "%d gaps, %d missing candles\n", len(found), missing)

	_, err := io.WriteString(w, b.String())
	return err
}
