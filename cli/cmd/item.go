package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"southwinds.dev/keyvault"
)

var itemCmd = &cobra.Command{
	Use:     "item",
	Aliases: []string{"items"},
	Short:   "Manage stored items",
	Long:    `Store, read, list and delete items. Items belong to a service, selected with --service.`,
}

var itemSetCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Store an item",
	Long: `Encrypt and store an item. The value is read from standard input when it is
not given as an argument or when --stdin is set.`,
	Args:        cobra.RangeArgs(1, 2),
	Annotations: map[string]string{secretArgAnnotation: "1"},
	RunE:        runItemSet,
}

var itemGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Decrypt and print an item",
	Args:  cobra.ExactArgs(1),
	RunE:  runItemGet,
}

var itemDeleteCmd = &cobra.Command{
	Use:     "delete <key>",
	Aliases: []string{"rm"},
	Short:   "Delete an item",
	Args:    cobra.ExactArgs(1),
	RunE:    runItemDelete,
}

var itemListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the items of a service",
	Long:    `List the items of a service with their protection metadata. Values are only shown with --show-values.`,
	RunE:    runItemList,
}

var itemClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every item of a service",
	RunE:  runItemClear,
}

var (
	itemAccessPolicy string
	itemFromStdin    bool
	itemJSON         bool
	itemShowValues   bool
	itemForce        bool
)

func init() {
	rootCmd.AddCommand(itemCmd)

	itemCmd.AddCommand(itemSetCmd)
	itemCmd.AddCommand(itemGetCmd)
	itemCmd.AddCommand(itemDeleteCmd)
	itemCmd.AddCommand(itemListCmd)
	itemCmd.AddCommand(itemClearCmd)

	itemSetCmd.Flags().StringVarP(&itemAccessPolicy, "access-control", "a", "", "requested access policy (empty negotiates the strongest available)")
	itemSetCmd.Flags().BoolVar(&itemFromStdin, "stdin", false, "read the value from standard input")
	itemSetCmd.Flags().BoolVar(&itemJSON, "json", false, "output the stored metadata as JSON")

	itemGetCmd.Flags().BoolVar(&itemJSON, "json", false, "output the item as JSON")

	itemListCmd.Flags().BoolVar(&itemJSON, "json", false, "output in JSON format")
	itemListCmd.Flags().BoolVar(&itemShowValues, "show-values", false, "include decrypted values")

	itemDeleteCmd.Flags().BoolVarP(&itemForce, "force", "f", false, "do not ask for confirmation")
	itemClearCmd.Flags().BoolVarP(&itemForce, "force", "f", false, "do not ask for confirmation")
}

func runItemSet(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	return auditCmdComplete(cmd, setItem(cmd, args), started)
}

func setItem(cmd *cobra.Command, args []string) error {
	policy, err := keyvault.ParseAccessPolicy(itemAccessPolicy)
	if err != nil {
		return err
	}

	var value string
	if len(args) == 2 && !itemFromStdin {
		value = args[1]
	} else {
		if value, err = readValue(cmd.InOrStdin()); err != nil {
			return err
		}
	}

	md, err := kv.SetItem(cmd.Context(), args[0], value, keyvault.ItemOptions{AccessControl: policy})
	if err != nil {
		return err
	}

	if itemJSON {
		return printJSON(md)
	}
	fmt.Printf("%s %s\n", okColor("✓ Stored"), args[0])
	fmt.Printf("  Security Level: %s\n", md.SecurityLevel)
	fmt.Printf("  Access Control: %s\n", md.AccessControl)
	fmt.Printf("  Key Version:    %s\n", md.KeyAlias)
	return nil
}

// readValue reads a value from r, dropping one trailing newline.
func readValue(r io.Reader) (string, error) {
	data, err := io.ReadAll(bufio.NewReader(r))
	if err != nil {
		return "", fmt.Errorf("failed to read value: %w", err)
	}
	value := strings.TrimSuffix(strings.TrimSuffix(string(data), "\n"), "\r")
	if value == "" {
		return "", errors.New("no value given")
	}
	return value, nil
}

func runItemGet(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	item, err := kv.GetItem(cmd.Context(), args[0], "")
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if itemJSON {
		return auditCmdComplete(cmd, printJSON(item), started)
	}
	fmt.Println(item.Value)
	return auditCmdComplete(cmd, nil, started)
}

func runItemDelete(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if !itemForce && !promptConfirmation(fmt.Sprintf("Delete item %s?", args[0])) {
		fmt.Println("Delete cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	if err := kv.DeleteItem(cmd.Context(), args[0], ""); err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	fmt.Printf("%s %s\n", okColor("✓ Deleted"), args[0])
	return auditCmdComplete(cmd, nil, started)
}

type itemView struct {
	Key      string                   `json:"key"`
	Service  string                   `json:"service"`
	Value    string                   `json:"value,omitempty"`
	Metadata keyvault.StorageMetadata `json:"metadata"`
	Error    string                   `json:"error,omitempty"`
}

func runItemList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	items, err := kv.GetAllItems(cmd.Context(), "")
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	views := make([]itemView, 0, len(items))
	for _, item := range items {
		v := itemView{Key: item.Key, Service: item.Service, Metadata: item.Metadata}
		if itemShowValues {
			v.Value = item.Value
		}
		if item.Err != nil {
			v.Error = item.Err.Error()
		}
		views = append(views, v)
	}

	if itemJSON {
		return auditCmdComplete(cmd, printJSON(views), started)
	}

	if len(views) == 0 {
		fmt.Println("No items found.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header := "KEY\tSECURITY LEVEL\tACCESS CONTROL\tKEY VERSION\tSTORED"
	if itemShowValues {
		header += "\tVALUE"
	}
	fmt.Fprintln(w, header)
	for _, v := range views {
		keyVersion := v.Metadata.KeyAlias
		if v.Error != "" {
			keyVersion = errorColor(v.Error)
		}
		line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s", v.Key, v.Metadata.SecurityLevel, v.Metadata.AccessControl,
			keyVersion, formatTime(v.Metadata.Time()))
		if itemShowValues {
			line += "\t" + v.Value
		}
		fmt.Fprintln(w, line)
	}
	if err = w.Flush(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	fmt.Printf("\n%d item(s)\n", len(views))
	return auditCmdComplete(cmd, nil, started)
}

func runItemClear(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if !itemForce && !promptConfirmation("Delete every item of this service?") {
		fmt.Println("Clear cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	removed, err := kv.ClearService(cmd.Context(), "")
	fmt.Printf("Removed %d item(s)\n", removed)
	return auditCmdComplete(cmd, err, started)
}
