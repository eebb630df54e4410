// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secrets resolves upstream credentials from Secret Manager.
package secrets

import (
	"context"
	"fmt"
	"hash/crc32"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// IsResourceName reports whether a credential value is a Secret Manager
// resource name ('projects/*/secrets/*/versions/*') rather than a literal
// secret.
func IsResourceName(v string) bool {
	return strings.HasPrefix(v, "projects/") && strings.Contains(v, "/secrets/")
}

// AccessSecretFromSecretManager reads a secret from Secret Manager and
// validates that it was not corrupted during retrieval. It instantiates a
// temporary client; use AccessSecret with a shared client when fetching more
// than one secret.
func AccessSecretFromSecretManager(ctx context.Context, secretResourceName string) (s string, e error) {
	sm, err := secretmanager.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create secret manager client: %w", err)
	}
	defer func(sm *secretmanager.Client) {
		if err := sm.Close(); err != nil {
			e = fmt.Errorf("failed to close secret manager client: %w", err)
		}
	}(sm)
	secret, err := AccessSecret(ctx, sm, secretResourceName)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve secret: %w", err)
	}
	return secret, nil
}

// AccessSecret reads a secret from Secret Manager using the given client and
// validates that it was not corrupted during retrieval. The secretResourceName
// should be in the format: 'projects/*/secrets/*/versions/*'.
func AccessSecret(ctx context.Context, client *secretmanager.Client, secretResourceName string) (string, error) {
	req := secretmanagerpb.AccessSecretVersionRequest{
		Name: secretResourceName,
	}
	result, err := client.AccessSecretVersion(ctx, &req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret version for %q - %w", secretResourceName, err)
	}
	crc32c := crc32.MakeTable(crc32.Castagnoli)
	checksum := int64(crc32.Checksum(result.Payload.Data, crc32c))
	if checksum != *result.Payload.DataCrc32C {
		return "", fmt.Errorf("failed to access secret version for %q - data corrupted", secretResourceName)
	}
	return string(result.Payload.Data), nil
}
