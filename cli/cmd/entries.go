package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"southwinds.dev/lockbox"
)

var (
	entryFile string
	listJSON  bool
)

var setCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Store a value",
	Long:  "Store a value under key. The value comes from the argument, --file, or stdin when it is '-'.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSet,
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a value",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a value",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)

	setCmd.Flags().StringVarP(&entryFile, "file", "f", "", "read the value from a file")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output as JSON")
}

func readValue(args []string) (string, error) {
	switch {
	case entryFile != "":
		if len(args) == 2 {
			return "", errors.New("use either a value argument or --file")
		}
		data, err := os.ReadFile(entryFile)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", entryFile, err)
		}
		return string(data), nil
	case len(args) == 2 && args[1] != "-":
		return args[1], nil
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read value from stdin: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
}

func runSet(cmd *cobra.Command, args []string) error {
	value, err := readValue(args)
	if err != nil {
		return err
	}
	if err = vaultSvc.Set(args[0], value); err != nil {
		return err
	}
	fmt.Printf("Stored %s\n", args[0])
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	value, err := vaultSvc.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	if err := vaultSvc.Delete(args[0]); err != nil {
		if errors.Is(err, lockbox.ErrKeyNotFound) {
			return fmt.Errorf("no entry named %q", args[0])
		}
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	keys, err := vaultSvc.ListKeys()
	if err != nil {
		return err
	}

	if listJSON {
		return printJSON(keys)
	}

	if len(keys) == 0 {
		fmt.Println("No entries.")
		return nil
	}
	for _, key := range keys {
		fmt.Println(key)
	}
	return nil
}
