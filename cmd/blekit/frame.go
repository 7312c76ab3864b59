package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"blekit/mux"
	"blekit/protocol"
)

var (
	protocolID int
	dispatch   bool
)

var encodeCmd = &cobra.Command{
	Use:   "encode <cmd> [payload-hex]",
	Short: "Frame a command and print the frame as hex",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := buildRegistry(cfg)
		if err != nil {
			return err
		}
		id, err := parseCommand(args[0])
		if err != nil {
			return err
		}
		var payload []byte
		if len(args) == 2 {
			if payload, err = parseHex(args[1]); err != nil {
				return err
			}
		}

		frame, err := r.Encode(mux.ID(protocolID), id, payload)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatHex(frame))
		return nil
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode <frame-hex>",
	Short: "Validate a frame and print its command and payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := buildRegistry(cfg)
		if err != nil {
			return err
		}
		frame, err := parseHex(args[0])
		if err != nil {
			return err
		}

		id, payload, err := r.Decode(mux.ID(protocolID), frame)
		if err != nil {
			if kind := protocol.Kind(err); kind != "" {
				return fmt.Errorf("%s: %w", kind, err)
			}
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "cmd=0x%02X len=%d payload=%s\n", id, len(payload), formatHex(payload))

		if !dispatch {
			return nil
		}
		reply, err := r.Handle(context.Background(), mux.ID(protocolID), frame)
		if err != nil {
			return err
		}
		if reply == nil {
			fmt.Fprintln(out, "reply: none")
			return nil
		}
		fmt.Fprintf(out, "reply: %s\n", formatHex(reply))
		return nil
	},
}

func parseCommand(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid command id %q: %w", s, err)
	}
	return uint8(v), nil
}

// parseHex accepts "AA0100", "AA 01 00" and "0xAA0100".
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

func formatHex(b []byte) string {
	if len(b) == 0 {
		return "-"
	}
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, " ")
}

func init() {
	for _, c := range []*cobra.Command{encodeCmd, decodeCmd} {
		c.Flags().IntVar(&protocolID, "protocol", int(mux.Default), "protocol id (default protocol if unset)")
		rootCmd.AddCommand(c)
	}
	decodeCmd.Flags().BoolVar(&dispatch, "dispatch", false, "also dispatch the frame locally and print the reply")
}
