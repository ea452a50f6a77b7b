// Command manifests-tester pushes folders of manifests to a running
// dispatcher, one relation per folder.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/vaheed/resource-dispatcher/internal/config"
	"github.com/vaheed/resource-dispatcher/internal/logging"
	"github.com/vaheed/resource-dispatcher/internal/relation"
	"github.com/vaheed/resource-dispatcher/pkg/client"
)

func main() {
	var (
		url     = pflag.String("url", "http://localhost:80", "Base URL of the dispatcher API.")
		token   = pflag.String("token", os.Getenv("DISPATCHER_TOKEN"), "Bearer token for the relation API.")
		app     = pflag.String("app", "manifests-tester", "Application name the manifests are provided as.")
		dir     = pflag.String("dir", "manifests", "Folder holding one sub-folder of *.yaml files per relation.")
		remove  = pflag.Bool("remove", false, "Break the relations instead of providing them.")
		timeout = pflag.Duration("timeout", 30*time.Second, "Overall timeout.")
	)
	pflag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	payloads, err := LoadFolders(*dir)
	if err != nil {
		logging.L.Fatal("load_manifests", zap.String("dir", *dir), zap.Error(err))
	}
	c := client.New(*url, *token)
	if err := push(ctx, c, *app, payloads, *remove); err != nil {
		logging.L.Fatal("push_manifests", zap.Error(err))
	}
}

func push(ctx context.Context, c *client.Client, app string, payloads map[string][]map[string]any, remove bool) error {
	relations := make([]string, 0, len(payloads))
	for rel := range payloads {
		relations = append(relations, rel)
	}
	sort.Strings(relations)

	var errs []error
	for _, rel := range relations {
		var err error
		if remove {
			err = c.DeleteRelation(ctx, rel, app)
		} else {
			err = c.PutManifests(ctx, rel, app, payloads[rel])
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rel, err))
			continue
		}
		logging.L.Info("relation_pushed", zap.String("relation", rel), zap.Int("manifests", len(payloads[rel])), zap.Bool("remove", remove))
	}
	return errors.Join(errs...)
}

// LoadFolders reads <dir>/<relation>/*.yaml for every manifest relation that
// has a folder. Files may hold several documents.
func LoadFolders(dir string) (map[string][]map[string]any, error) {
	out := map[string][]map[string]any{}
	for rel := range relation.ManifestKinds {
		files, err := filepath.Glob(filepath.Join(dir, rel, "*.yaml"))
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			continue
		}
		sort.Strings(files)
		manifests := []map[string]any{}
		for _, f := range files {
			raw, err := os.ReadFile(f)
			if err != nil {
				return nil, err
			}
			objs, err := relation.DecodeManifests(string(raw))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f, err)
			}
			for _, o := range objs {
				manifests = append(manifests, o.Object)
			}
		}
		out[rel] = manifests
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no manifests under %s: expected a folder named after %s", dir, config.RelationSecrets+", "+config.RelationServiceAccounts+", ...")
	}
	return out, nil
}
