package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"

	"github.com/vaheed/resource-dispatcher/internal/cluster"
	"github.com/vaheed/resource-dispatcher/internal/config"
	httpapi "github.com/vaheed/resource-dispatcher/internal/http"
	"github.com/vaheed/resource-dispatcher/internal/logging"
	"github.com/vaheed/resource-dispatcher/internal/mesh"
	"github.com/vaheed/resource-dispatcher/pkg/catalog"
)

// cleanup removes every owned object and the mesh policy, mirroring an
// application removal.
func cleanup(ctx context.Context, cfg config.Config) error {
	restCfg, err := cluster.RESTConfig(cfg.Kubeconfig)
	if err != nil {
		return err
	}
	objects, err := ctrlclient.New(restCfg, ctrlclient.Options{Scheme: newScheme()})
	if err != nil {
		return err
	}
	cset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return err
	}
	kc := cluster.NewKubeClient(objects, cset)

	n, sweepErr := cluster.RemoveOwned(ctx, kc)
	meshErr := mesh.NewManager(kc, cfg.AppName, cfg.Namespace).Remove(ctx)
	logging.L.Info("cleanup_done", zap.Int("deleted", n))
	return errors.Join(sweepErr, meshErr)
}

func manifests(out io.Writer, cfg config.Config) error {
	role, err := yaml.Marshal(cluster.ClusterRole(cfg.AppName))
	if err != nil {
		return err
	}
	values := catalog.NewControllerValues(cfg.AppName, cfg.Namespace, cfg.Port, cfg.TargetLabel, cfg.ResyncPeriod)
	if cfg.JWTSigningKey != "" {
		values.SyncToken, err = httpapi.IssueToken([]byte(cfg.JWTSigningKey), "metacontroller", []string{httpapi.RoleSyncHook}, 0)
		if err != nil {
			return err
		}
	}
	cc, err := catalog.CompositeController(values)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s---\n%s", role, cc)
	return err
}

type tokenOptions struct {
	subject *string
	roles   *[]string
	ttl     *time.Duration
}

func tokenFlags(fs *pflag.FlagSet) tokenOptions {
	return tokenOptions{
		subject: fs.String("subject", "", "token: subject the token is issued to."),
		roles:   fs.StringSlice("roles", []string{httpapi.RoleRelationWriter}, "token: roles granted."),
		ttl:     fs.Duration("ttl", 24*time.Hour, "token: lifetime. 0 issues a token without expiry."),
	}
}

func token(out io.Writer, cfg config.Config, opts tokenOptions) error {
	if *opts.subject == "" {
		return errors.New("--subject is required")
	}
	tok, err := httpapi.IssueToken([]byte(cfg.JWTSigningKey), *opts.subject, *opts.roles, *opts.ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok)
	return err
}
