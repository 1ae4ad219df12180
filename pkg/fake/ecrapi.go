/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fake

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	sdk "github.com/strato-cloud/strato/pkg/aws"
)

// ECRRepository is one repository and the images pushed into it.
type ECRRepository struct {
	URI    string
	Images []ecrtypes.ImageDetail
}

type ECRBehavior struct {
	CreateRepositoryBehavior      MockedFunction[ecr.CreateRepositoryInput, ecr.CreateRepositoryOutput]
	DescribeRepositoriesBehavior  MockedFunction[ecr.DescribeRepositoriesInput, ecr.DescribeRepositoriesOutput]
	DeleteRepositoryBehavior      MockedFunction[ecr.DeleteRepositoryInput, ecr.DeleteRepositoryOutput]
	GetAuthorizationTokenBehavior MockedFunction[ecr.GetAuthorizationTokenInput, ecr.GetAuthorizationTokenOutput]
	DescribeImagesBehavior        MockedFunction[ecr.DescribeImagesInput, ecr.DescribeImagesOutput]
	BatchDeleteImageBehavior      MockedFunction[ecr.BatchDeleteImageInput, ecr.BatchDeleteImageOutput]
}

// ECRAPI is a behavioral in-memory ECR: unscripted calls run against real
// repository state with the service's error codes, so the provider exercises
// its actual ensure/login/delete flow.
type ECRAPI struct {
	ECRBehavior
	sync.Mutex

	Repositories map[string]*ECRRepository

	// Password embedded in minted authorization tokens.
	Password string
}

var _ sdk.ECRAPI = &ECRAPI{}

func NewECRAPI() *ECRAPI {
	return &ECRAPI{
		Repositories: map[string]*ECRRepository{},
		Password:     "fakepassword",
	}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (e *ECRAPI) Reset() {
	e.CreateRepositoryBehavior.Reset()
	e.DescribeRepositoriesBehavior.Reset()
	e.DeleteRepositoryBehavior.Reset()
	e.GetAuthorizationTokenBehavior.Reset()
	e.DescribeImagesBehavior.Reset()
	e.BatchDeleteImageBehavior.Reset()
	e.Lock()
	defer e.Unlock()
	e.Repositories = map[string]*ECRRepository{}
}

func ecrErr(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

func (e *ECRAPI) CreateRepository(_ context.Context, input *ecr.CreateRepositoryInput, _ ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error) {
	return e.CreateRepositoryBehavior.Invoke(input, func(input *ecr.CreateRepositoryInput) (*ecr.CreateRepositoryOutput, error) {
		e.Lock()
		defer e.Unlock()
		name := aws.ToString(input.RepositoryName)
		if _, ok := e.Repositories[name]; ok {
			return nil, ecrErr("RepositoryAlreadyExistsException", fmt.Sprintf("repository %q already exists", name))
		}
		repo := &ECRRepository{URI: fmt.Sprintf("000000000000.dkr.ecr.us-east-1.amazonaws.com/%s", name)}
		e.Repositories[name] = repo
		return &ecr.CreateRepositoryOutput{Repository: &ecrtypes.Repository{
			RepositoryName: aws.String(name),
			RepositoryUri:  aws.String(repo.URI),
		}}, nil
	})
}

func (e *ECRAPI) DescribeRepositories(_ context.Context, input *ecr.DescribeRepositoriesInput, _ ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	return e.DescribeRepositoriesBehavior.Invoke(input, func(input *ecr.DescribeRepositoriesInput) (*ecr.DescribeRepositoriesOutput, error) {
		e.Lock()
		defer e.Unlock()
		out := &ecr.DescribeRepositoriesOutput{}
		names := input.RepositoryNames
		if len(names) == 0 {
			names = lo.Keys(e.Repositories)
		}
		for _, name := range names {
			repo, ok := e.Repositories[name]
			if !ok {
				return nil, ecrErr("RepositoryNotFoundException", fmt.Sprintf("repository %q does not exist", name))
			}
			out.Repositories = append(out.Repositories, ecrtypes.Repository{
				RepositoryName: aws.String(name),
				RepositoryUri:  aws.String(repo.URI),
			})
		}
		return out, nil
	})
}

func (e *ECRAPI) DeleteRepository(_ context.Context, input *ecr.DeleteRepositoryInput, _ ...func(*ecr.Options)) (*ecr.DeleteRepositoryOutput, error) {
	return e.DeleteRepositoryBehavior.Invoke(input, func(input *ecr.DeleteRepositoryInput) (*ecr.DeleteRepositoryOutput, error) {
		e.Lock()
		defer e.Unlock()
		name := aws.ToString(input.RepositoryName)
		repo, ok := e.Repositories[name]
		if !ok {
			return nil, ecrErr("RepositoryNotFoundException", fmt.Sprintf("repository %q does not exist", name))
		}
		if len(repo.Images) > 0 && !input.Force {
			return nil, ecrErr("RepositoryNotEmptyException", fmt.Sprintf("repository %q is not empty", name))
		}
		delete(e.Repositories, name)
		return &ecr.DeleteRepositoryOutput{}, nil
	})
}

// GetAuthorizationToken mints the base64 "AWS:password" token the real
// service returns.
func (e *ECRAPI) GetAuthorizationToken(_ context.Context, input *ecr.GetAuthorizationTokenInput, _ ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	return e.GetAuthorizationTokenBehavior.Invoke(input, func(_ *ecr.GetAuthorizationTokenInput) (*ecr.GetAuthorizationTokenOutput, error) {
		e.Lock()
		defer e.Unlock()
		token := base64.StdEncoding.EncodeToString([]byte("AWS:" + e.Password))
		return &ecr.GetAuthorizationTokenOutput{AuthorizationData: []ecrtypes.AuthorizationData{{
			AuthorizationToken: aws.String(token),
			ExpiresAt:          aws.Time(time.Now().Add(12 * time.Hour)),
		}}}, nil
	})
}

func (e *ECRAPI) DescribeImages(_ context.Context, input *ecr.DescribeImagesInput, _ ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error) {
	return e.DescribeImagesBehavior.Invoke(input, func(input *ecr.DescribeImagesInput) (*ecr.DescribeImagesOutput, error) {
		e.Lock()
		defer e.Unlock()
		name := aws.ToString(input.RepositoryName)
		repo, ok := e.Repositories[name]
		if !ok {
			return nil, ecrErr("RepositoryNotFoundException", fmt.Sprintf("repository %q does not exist", name))
		}
		return &ecr.DescribeImagesOutput{ImageDetails: append([]ecrtypes.ImageDetail{}, repo.Images...)}, nil
	})
}

func (e *ECRAPI) BatchDeleteImage(_ context.Context, input *ecr.BatchDeleteImageInput, _ ...func(*ecr.Options)) (*ecr.BatchDeleteImageOutput, error) {
	return e.BatchDeleteImageBehavior.Invoke(input, func(input *ecr.BatchDeleteImageInput) (*ecr.BatchDeleteImageOutput, error) {
		e.Lock()
		defer e.Unlock()
		name := aws.ToString(input.RepositoryName)
		repo, ok := e.Repositories[name]
		if !ok {
			return nil, ecrErr("RepositoryNotFoundException", fmt.Sprintf("repository %q does not exist", name))
		}
		out := &ecr.BatchDeleteImageOutput{}
		for _, id := range input.ImageIds {
			kept := lo.Filter(repo.Images, func(detail ecrtypes.ImageDetail, _ int) bool {
				if id.ImageDigest != nil {
					return aws.ToString(detail.ImageDigest) != aws.ToString(id.ImageDigest)
				}
				return !lo.Contains(detail.ImageTags, aws.ToString(id.ImageTag))
			})
			if len(kept) == len(repo.Images) {
				out.Failures = append(out.Failures, ecrtypes.ImageFailure{
					ImageId:       lo.ToPtr(id),
					FailureCode:   ecrtypes.ImageFailureCodeImageNotFound,
					FailureReason: aws.String("image not found"),
				})
				continue
			}
			repo.Images = kept
			out.ImageIds = append(out.ImageIds, id)
		}
		return out, nil
	})
}

// AddImage seeds an image into the repository, creating the repository when
// absent.
func (e *ECRAPI) AddImage(repository string, detail ecrtypes.ImageDetail) {
	e.Lock()
	defer e.Unlock()
	repo, ok := e.Repositories[repository]
	if !ok {
		repo = &ECRRepository{URI: fmt.Sprintf("000000000000.dkr.ecr.us-east-1.amazonaws.com/%s", repository)}
		e.Repositories[repository] = repo
	}
	repo.Images = append(repo.Images, detail)
}
