package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/confio/sponsor-gateway/internal/apperr"
)

const (
	kmsSigningAlgorithm = kmstypes.SigningAlgorithmSpec("ED25519_SHA_512")
	kmsMaxMessage       = 4096
)

// kmsAPI is the part of *kms.Client the signer uses.
type kmsAPI interface {
	GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, opts ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, in *kms.SignInput, opts ...func(*kms.Options)) (*kms.SignOutput, error)
}

type kmsKey struct {
	api   kmsAPI
	keyID string
	pub   ed25519.PublicKey
	addr  types.Address
}

func newKMS(ctx context.Context, keyID, region string) (*kmsKey, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, apperr.Wrap(apperr.KeyMisconfigured, err, "load aws config")
	}
	return kmsFromAPI(ctx, kms.NewFromConfig(cfg), keyID)
}

// kmsFromAPI fetches the key's public half once and derives the sponsor
// address from it.
func kmsFromAPI(ctx context.Context, api kmsAPI, keyID string) (*kmsKey, error) {
	out, err := api.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, apperr.Wrap(apperr.KmsUnavailable, err, "kms GetPublicKey")
	}
	parsed, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KeyMisconfigured, err, "kms public key")
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, apperr.New(apperr.KeyMisconfigured, "kms key %s is %T, want ed25519", keyID, parsed)
	}
	k := &kmsKey{api: api, keyID: keyID, pub: pub}
	copy(k.addr[:], pub)
	return k, nil
}

func (k *kmsKey) address() types.Address { return k.addr }

func (k *kmsKey) name() string { return "kms" }

func (k *kmsKey) sign(ctx context.Context, p payload) ([]byte, error) {
	if len(p) > kmsMaxMessage {
		return nil, apperr.New(apperr.Internal, "signing payload %d bytes exceeds kms limit", len(p))
	}
	out, err := k.api.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(k.keyID),
		Message:          p,
		MessageType:      kmstypes.MessageTypeRaw,
		SigningAlgorithm: kmsSigningAlgorithm,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KmsUnavailable, err, "kms Sign")
	}
	if len(out.Signature) != ed25519.SignatureSize {
		return nil, apperr.New(apperr.KeyMisconfigured, "kms signature is %d bytes", len(out.Signature))
	}
	return out.Signature, nil
}
