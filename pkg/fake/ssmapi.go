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
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	sdk "github.com/strato-cloud/strato/pkg/aws"
)

type SSMBehavior struct {
	GetParameterBehavior MockedFunction[ssm.GetParameterInput, ssm.GetParameterOutput]
}

// SSMAPI is an in-memory parameter store. Unseeded ECS AMI parameters
// resolve to a fixed fake AMI so capacity rollouts work out of the box.
type SSMAPI struct {
	SSMBehavior
	sync.Mutex

	Parameters map[string]string
}

var _ sdk.SSMAPI = &SSMAPI{}

func NewSSMAPI() *SSMAPI {
	return &SSMAPI{Parameters: map[string]string{}}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (s *SSMAPI) Reset() {
	s.GetParameterBehavior.Reset()
	s.Lock()
	defer s.Unlock()
	s.Parameters = map[string]string{}
}

func (s *SSMAPI) GetParameter(_ context.Context, input *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return s.GetParameterBehavior.Invoke(input, func(input *ssm.GetParameterInput) (*ssm.GetParameterOutput, error) {
		s.Lock()
		defer s.Unlock()
		name := aws.ToString(input.Name)
		value, ok := s.Parameters[name]
		if !ok {
			if !isECSAMIParameter(name) {
				return nil, awsErr("ParameterNotFound", fmt.Sprintf("parameter %q does not exist", name))
			}
			value = "ami-fake00000000000001"
		}
		return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{
			Name:  aws.String(name),
			Value: aws.String(value),
		}}, nil
	})
}

func isECSAMIParameter(name string) bool {
	return strings.HasPrefix(name, "/aws/service/ecs/")
}
