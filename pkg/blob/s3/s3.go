// Package s3 implements blob.Store on an S3-compatible object store.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/tandem-dev/tandem/pkg/blob"
	"github.com/tandem-dev/tandem/pkg/errors"
)

const (
	stateKey = "state.json"

	versionMetaKey  = "tandem-version"
	identityMetaKey = "tandem-id"
)

// Config describes the bucket holding a project's objects.
type Config struct {
	Endpoint  string `json:"endpoint,omitempty"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	Region    string `json:"region,omitempty"`
}

// Store implements blob.Store on a bucket.
type Store struct {
	client *awss3.Client
	bucket string
	prefix string
}

// New connects to the configured bucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.WithContext(err, "load aws config")
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// GetState implements blob.Store.
func (s *Store) GetState(ctx context.Context) (blob.State, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(stateKey)),
	})
	if err != nil {
		if isNotFound(err) {
			return blob.State{}, nil
		}
		return blob.State{}, errors.WithContext(err, "get state object")
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return blob.State{}, errors.WithContext(err, "read state object")
	}

	var state blob.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return blob.State{}, errors.WithContext(err, "parse state object")
	}
	return state, nil
}

// PutState implements blob.Store.
func (s *Store) PutState(ctx context.Context, state blob.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.WithContext(err, "marshal state")
	}

	_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(stateKey)),
		Body:   bytes.NewReader(raw),
	})
	if err != nil {
		return errors.WithContext(err, "put state object")
	}
	return nil
}

// GetBundle implements blob.Store.
func (s *Store) GetBundle(ctx context.Context, kind blob.Kind) (blob.Bundle, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.bundleKey(kind)),
	})
	if err != nil {
		if isNotFound(err) {
			return blob.Bundle{}, nil
		}
		return blob.Bundle{}, errors.WithContext(err, "get bundle object")
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return blob.Bundle{}, errors.WithContext(err, "read bundle object")
	}

	version, id := parseMeta(out.Metadata)
	return blob.Bundle{Data: data, Version: version, ID: id}, nil
}

// PutBundle implements blob.Store.
func (s *Store) PutBundle(ctx context.Context, kind blob.Kind, data []byte) (blob.Bundle, error) {
	// The version counter and identity live in the object's metadata, so
	// read the current values before overwriting.
	version := uint64(0)
	id := ""
	head, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.bundleKey(kind)),
	})
	if err == nil {
		version, id = parseMeta(head.Metadata)
	} else if !isNotFound(err) {
		return blob.Bundle{}, errors.WithContext(err, "head bundle object")
	}

	if id == "" {
		id = uuid.New().String()
	}
	version++

	_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.bundleKey(kind)),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			versionMetaKey:  strconv.FormatUint(version, 10),
			identityMetaKey: id,
		},
	})
	if err != nil {
		return blob.Bundle{}, errors.WithContext(err, "put bundle object")
	}
	return blob.Bundle{Data: data, Version: version, ID: id}, nil
}

// Share implements blob.Store. Access is granted by tagging the state
// object; the sharing service reads the tags out of band.
func (s *Store) Share(ctx context.Context, principal string) error {
	if principal == "" {
		return errors.NewFriendlyError(
			"share requires an email address or \"*\" for a public link")
	}

	_, err := s.client.PutObjectTagging(ctx, &awss3.PutObjectTaggingInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(stateKey)),
		Tagging: &types.Tagging{
			TagSet: []types.Tag{
				{Key: aws.String("tandem-shared-with"), Value: aws.String(principal)},
			},
		},
	})
	if err != nil {
		return errors.WithContext(err, "tag state object")
	}
	return nil
}

func (s *Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *Store) bundleKey(kind blob.Kind) string {
	return s.key(fmt.Sprintf("%s.bundle", kind))
}

func parseMeta(meta map[string]string) (version uint64, id string) {
	if v, err := strconv.ParseUint(meta[versionMetaKey], 10, 64); err == nil {
		version = v
	}
	return version, meta[identityMetaKey]
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
