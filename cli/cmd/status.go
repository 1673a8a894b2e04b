package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/keyvault"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show keystore status",
	Long:  "Display the current key version, rotation state, memory protection and item counts.",
	RunE:  showStatus,
}

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Show device capabilities and access policy resolution",
	Long: `Display the secure hardware the keystore was configured with and the access policy,
security tier and accessibility every requestable policy resolves to.`,
	RunE: showCapabilities,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(capabilitiesCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output in JSON format")
	capabilitiesCmd.Flags().BoolVar(&statusJSON, "json", false, "output in JSON format")
}

func showStatus(cmd *cobra.Command, args []string) error {
	status := kv.RotationStatus()

	if statusJSON {
		return printJSON(status)
	}

	fmt.Println(headerColor("Keystore Status"))
	fmt.Println("===============")

	fmt.Printf("Store: %s\n", getStoreConfigSummary(viper.GetString("store.type")))
	fmt.Printf("Memory Protection: %s\n", kv.MemoryProtection())

	if status.CurrentKeyVersion != nil {
		fmt.Printf("Current Key Version: %s\n", status.CurrentKeyVersion.ID)
	} else {
		fmt.Printf("Current Key Version: %s\n", dimColor("none"))
	}
	fmt.Printf("Key Versions: %d\n", len(status.AvailableKeyVersions))

	if status.IsRotating {
		fmt.Printf("Rotation: %s\n", warnColor("in progress"))
	} else {
		fmt.Printf("Rotation: idle\n")
	}
	if status.LastRotationTimestamp != nil {
		fmt.Printf("Last Rotation: %s\n", formatTime(*status.LastRotationTimestamp))
	}
	if status.LastError != "" {
		fmt.Printf("Last Rotation Error: %s\n", errorColor(status.LastError))
	}

	items, err := kv.GetAllItems(cmd.Context(), "")
	if err != nil {
		fmt.Printf("Items: ERROR - %v\n", err)
	} else {
		unreadable := 0
		for _, item := range items {
			if item.Err != nil {
				unreadable++
			}
		}
		fmt.Printf("Items (%s): %d", viper.GetString("vault.default_service"), len(items))
		if unreadable > 0 {
			fmt.Printf(" (%s)", errorColor(fmt.Sprintf("%d unreadable", unreadable)))
		}
		fmt.Println()
	}

	fmt.Println("\nRotation Policy:")
	printPolicy(status.Policy)
	return nil
}

type policyResolution struct {
	Requested     string `json:"requested"`
	Policy        string `json:"policy,omitempty"`
	Tier          string `json:"tier,omitempty"`
	Accessibility string `json:"accessibility,omitempty"`
	Error         string `json:"error,omitempty"`
}

var requestablePolicies = []keyvault.AccessPolicy{
	"",
	keyvault.AccessPolicySecureEnclaveBiometry,
	keyvault.AccessPolicyBiometryCurrentSet,
	keyvault.AccessPolicyBiometryAny,
	keyvault.AccessPolicyDevicePasscode,
	keyvault.AccessPolicyNone,
}

func showCapabilities(cmd *cobra.Command, args []string) error {
	caps := kv.Capabilities(cmd.Context())

	resolutions := make([]policyResolution, 0, len(requestablePolicies))
	for _, p := range requestablePolicies {
		r := policyResolution{Requested: string(p)}
		if p == "" {
			r.Requested = "(strongest available)"
		}
		ac, err := kv.ResolveAccessControl(cmd.Context(), p)
		if err != nil {
			r.Error = err.Error()
		} else {
			r.Policy = string(ac.Policy)
			r.Tier = string(ac.Tier)
			r.Accessibility = ac.Accessibility
		}
		resolutions = append(resolutions, r)
	}

	if statusJSON {
		return printJSON(map[string]interface{}{
			"capabilities": caps,
			"resolutions":  resolutions,
		})
	}

	fmt.Println(headerColor("Device Capabilities"))
	fmt.Println("===================")
	fmt.Printf("Secure Enclave:    %s\n", yesNo(caps.SecureEnclave))
	fmt.Printf("StrongBox:         %s\n", yesNo(caps.StrongBox))
	fmt.Printf("Biometry:          %s\n", yesNo(caps.Biometry))
	fmt.Printf("Device Credential: %s\n", yesNo(caps.DeviceCredential))

	fmt.Println("\nPolicy Resolution:")
	for _, r := range resolutions {
		if r.Error != "" {
			fmt.Printf("  %-28s %s\n", r.Requested, errorColor(r.Error))
			continue
		}
		fmt.Printf("  %-28s -> %s (%s, %s)\n", r.Requested, r.Policy, r.Tier, r.Accessibility)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return okColor("yes")
	}
	return dimColor("no")
}
