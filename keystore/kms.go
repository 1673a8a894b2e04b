package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/rs/zerolog"
)

const (
	// BackendKMS is the backend name reported by the KMS provider.
	BackendKMS = "kms"

	defaultAliasPrefix  = "keyvault"
	defaultDeletionDays = 7
)

// kmsAPI is the subset of the KMS client the provider uses.
type kmsAPI interface {
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	CreateAlias(ctx context.Context, params *kms.CreateAliasInput, optFns ...func(*kms.Options)) (*kms.CreateAliasOutput, error)
	DeleteAlias(ctx context.Context, params *kms.DeleteAliasInput, optFns ...func(*kms.Options)) (*kms.DeleteAliasOutput, error)
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	ScheduleKeyDeletion(ctx context.Context, params *kms.ScheduleKeyDeletionInput, optFns ...func(*kms.Options)) (*kms.ScheduleKeyDeletionOutput, error)
}

// KMSConfig configures the AWS KMS provider.
type KMSConfig struct {
	Region string

	// AliasPrefix namespaces aliases: alias/<prefix>/<key alias>.
	AliasPrefix string

	// DeletionWindowDays is the pending window used by DeleteKey (7-30).
	DeletionWindowDays int32

	Logger zerolog.Logger
}

// KMS keeps KEKs as AWS KMS symmetric keys. Encrypt and Decrypt are remote
// calls, so KEK material never enters this process.
type KMS struct {
	client       kmsAPI
	aliasPrefix  string
	deletionDays int32
	log          zerolog.Logger
}

// NewKMS builds a provider from the default AWS credential chain.
func NewKMS(ctx context.Context, cfg KMSConfig) (*KMS, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newKMSWithClient(kms.NewFromConfig(awsCfg), cfg), nil
}

func newKMSWithClient(client kmsAPI, cfg KMSConfig) *KMS {
	k := &KMS{
		client:       client,
		aliasPrefix:  strings.Trim(cfg.AliasPrefix, "/"),
		deletionDays: cfg.DeletionWindowDays,
		log:          cfg.Logger.With().Str("component", "keystore").Str("backend", BackendKMS).Logger(),
	}
	if k.aliasPrefix == "" {
		k.aliasPrefix = defaultAliasPrefix
	}
	if k.deletionDays < 7 || k.deletionDays > 30 {
		k.deletionDays = defaultDeletionDays
	}
	return k
}

func (k *KMS) Backend() string {
	return BackendKMS
}

func (k *KMS) CreateOrRetrieveKey(ctx context.Context, alias string, accessControl any) (KeyHandle, error) {
	handle, err := k.RetrieveKey(ctx, alias)
	if err == nil || !errors.Is(err, ErrKeyUnavailable) {
		return handle, err
	}

	created, err := k.client.CreateKey(ctx, &kms.CreateKeyInput{
		Description: aws.String("keyvault key encryption key " + alias),
		KeySpec:     types.KeySpecSymmetricDefault,
		KeyUsage:    types.KeyUsageTypeEncryptDecrypt,
		Tags: []types.Tag{
			{TagKey: aws.String("keyvault:alias"), TagValue: aws.String(alias)},
		},
	})
	if err != nil {
		return KeyHandle{}, fmt.Errorf("KMS create key failed: %w", err)
	}

	_, err = k.client.CreateAlias(ctx, &kms.CreateAliasInput{
		AliasName:   aws.String(k.aliasName(alias)),
		TargetKeyId: created.KeyMetadata.KeyId,
	})
	if err != nil {
		return KeyHandle{}, fmt.Errorf("KMS create alias failed: %w", err)
	}

	k.log.Info().Str("alias", alias).Str("key_id", aws.ToString(created.KeyMetadata.KeyId)).Msg("KMS key created")

	createdAt := time.Now().UTC()
	if created.KeyMetadata.CreationDate != nil {
		createdAt = created.KeyMetadata.CreationDate.UTC()
	}
	return KeyHandle{Alias: alias, Backend: BackendKMS, CreatedAt: createdAt}, nil
}

func (k *KMS) RetrieveKey(ctx context.Context, alias string) (KeyHandle, error) {
	out, err := k.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(k.aliasName(alias))})
	if err != nil {
		return KeyHandle{}, k.mapError(alias, err)
	}

	md := out.KeyMetadata
	switch md.KeyState {
	case types.KeyStateEnabled:
	case types.KeyStateDisabled, types.KeyStatePendingDeletion, types.KeyStateUnavailable:
		return KeyHandle{}, fmt.Errorf("%s is %s: %w", alias, md.KeyState, ErrKeyInvalidated)
	default:
		return KeyHandle{}, fmt.Errorf("%s is %s: %w", alias, md.KeyState, ErrKeyUnavailable)
	}

	handle := KeyHandle{Alias: alias, Backend: BackendKMS}
	if md.CreationDate != nil {
		handle.CreatedAt = md.CreationDate.UTC()
	}
	return handle, nil
}

func (k *KMS) Encrypt(ctx context.Context, plaintext []byte, key KeyHandle) ([]byte, error) {
	result, err := k.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(k.aliasName(key.Alias)),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, k.mapError(key.Alias, err)
	}
	return result.CiphertextBlob, nil
}

func (k *KMS) Decrypt(ctx context.Context, ciphertext []byte, key KeyHandle) ([]byte, error) {
	result, err := k.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(k.aliasName(key.Alias)),
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, k.mapError(key.Alias, err)
	}
	return result.Plaintext, nil
}

// DeleteKey removes the alias and schedules the key for deletion.
func (k *KMS) DeleteKey(ctx context.Context, alias string) error {
	out, err := k.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(k.aliasName(alias))})
	if err != nil {
		if errors.Is(k.mapError(alias, err), ErrKeyUnavailable) {
			return nil
		}
		return fmt.Errorf("KMS describe key failed: %w", err)
	}

	if _, err = k.client.DeleteAlias(ctx, &kms.DeleteAliasInput{AliasName: aws.String(k.aliasName(alias))}); err != nil {
		return fmt.Errorf("KMS delete alias failed: %w", err)
	}

	if out.KeyMetadata.KeyState == types.KeyStatePendingDeletion {
		return nil
	}
	_, err = k.client.ScheduleKeyDeletion(ctx, &kms.ScheduleKeyDeletionInput{
		KeyId:               out.KeyMetadata.KeyId,
		PendingWindowInDays: aws.Int32(k.deletionDays),
	})
	if err != nil {
		return fmt.Errorf("KMS schedule deletion failed: %w", err)
	}
	k.log.Info().Str("alias", alias).Int32("pending_days", k.deletionDays).Msg("KMS key scheduled for deletion")
	return nil
}

// aliasName maps a key alias to a KMS alias. KMS aliases only allow
// alphanumerics, '/', '_' and '-', so version ids are rewritten.
func (k *KMS) aliasName(alias string) string {
	clean := strings.NewReplacer(":", "-", ".", "-", " ", "_").Replace(alias)
	return "alias/" + k.aliasPrefix + "/" + clean
}

func (k *KMS) mapError(alias string, err error) error {
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%s: %w", alias, ErrKeyUnavailable)
	}
	var disabled *types.DisabledException
	if errors.As(err, &disabled) {
		return fmt.Errorf("%s: %w", alias, ErrKeyInvalidated)
	}
	var invalidState *types.KMSInvalidStateException
	if errors.As(err, &invalidState) {
		return fmt.Errorf("%s: %w", alias, ErrKeyInvalidated)
	}
	return fmt.Errorf("KMS request for %s failed: %w", alias, err)
}
