package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gustycube/avasite/internal/input"
)

func main() {
	var inp string
	var addr string
	var key string
	var reset bool
	flag.StringVar(&inp, "inp", "csv:input.csv", "targets to seed, as con_type:source")
	flag.StringVar(&addr, "redis", "127.0.0.1:6379", "redis addr")
	flag.StringVar(&key, "key", input.DefaultRedisKey, "redis list key")
	flag.BoolVar(&reset, "reset", false, "clear the list before seeding")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rows, err := input.ReadAll(ctx, inp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read input:", err)
		os.Exit(1)
	}
	list, err := input.NewRedisList(ctx, addr, key)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer list.Close()

	if reset {
		if err := list.Reset(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "reset:", err)
			os.Exit(1)
		}
	}
	seeded, skipped := 0, 0
	for _, row := range rows {
		if !row.Valid {
			skipped++
			continue
		}
		if err := list.Push(ctx, row.Target()); err != nil {
			fmt.Fprintln(os.Stderr, "push:", err)
			os.Exit(1)
		}
		seeded++
	}
	fmt.Printf("seeded %d targets into %s (%d invalid skipped)\n", seeded, key, skipped)
}
