package ec2

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/terrpan/ec2runner/internal/engine"
)

// Candidate names, used in logs, spans and metric attributes.
const (
	CandidateSpot     = "spot"
	CandidateOnDemand = "on-demand"
)

// LaunchConfig describes the instances to create.  It is never mutated
// after construction.
type LaunchConfig struct {
	// Count is the number of instances (MinCount = MaxCount).  Default: 1.
	Count int32

	// Discrete, optional RunInstances fields.  Empty means unset --
	// typically because a launch template supplies the value.
	ImageID         string
	InstanceType    string
	SubnetID        string
	SecurityGroupID string
	IAMRoleName     string
	LaunchTemplate  string

	// Overrides is a YAML document of RunInstances fields that replace
	// anything set above.  See Overrides.
	Overrides string

	// SpotFirst tries spot capacity first and falls back to on-demand.
	SpotFirst bool

	// MetadataTags exposes instance tags through the instance metadata
	// service.  Required when the boot script discovers its
	// registration URL and label from tags.
	MetadataTags bool

	// Tags are attached to every instance in the creation request.
	Tags []types.Tag
}

// Candidate is one complete, independently submittable launch request.
type Candidate struct {
	Name  string
	Input *ec2.RunInstancesInput
}

// Assemble builds the ordered launch candidates for cfg, embedding
// bootScript as base64 user data.
//
// Precedence, lowest first: defaults (count, user data, tags), discrete
// configuration fields, then the override document.  With SpotFirst the
// merged request is returned twice: first with a spot market option,
// then unmodified as the on-demand fallback.
func Assemble(cfg LaunchConfig, bootScript []string) ([]Candidate, error) {
	overrides, err := ParseOverrides(cfg.Overrides)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrConfiguration, err)
	}

	count := cfg.Count
	if count < 1 {
		count = 1
	}

	userData := base64.StdEncoding.EncodeToString([]byte(strings.Join(bootScript, "\n")))

	input := &ec2.RunInstancesInput{
		MinCount:          aws.Int32(count),
		MaxCount:          aws.Int32(count),
		UserData:          aws.String(userData),
		TagSpecifications: tagSpecifications(cfg.Tags),
	}

	// When using a launch template any or all of these are optional.
	if cfg.LaunchTemplate != "" {
		input.LaunchTemplate = &types.LaunchTemplateSpecification{
			LaunchTemplateName: aws.String(cfg.LaunchTemplate),
		}
	}
	if cfg.ImageID != "" {
		input.ImageId = aws.String(cfg.ImageID)
	}
	if cfg.InstanceType != "" {
		input.InstanceType = types.InstanceType(cfg.InstanceType)
	}
	if cfg.SubnetID != "" {
		input.SubnetId = aws.String(cfg.SubnetID)
	}
	if cfg.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{cfg.SecurityGroupID}
	}
	if cfg.IAMRoleName != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(cfg.IAMRoleName),
		}
	}
	if cfg.MetadataTags {
		input.MetadataOptions = &types.InstanceMetadataOptionsRequest{
			HttpEndpoint:         types.InstanceMetadataEndpointStateEnabled,
			InstanceMetadataTags: types.InstanceMetadataTagsStateEnabled,
		}
	}

	overrides.apply(input)

	onDemand := Candidate{Name: CandidateOnDemand, Input: input}
	if !cfg.SpotFirst {
		return []Candidate{onDemand}, nil
	}

	spot := *input
	market := types.InstanceMarketOptionsRequest{}
	if input.InstanceMarketOptions != nil {
		market = *input.InstanceMarketOptions
	}
	market.MarketType = types.MarketTypeSpot
	spot.InstanceMarketOptions = &market

	return []Candidate{
		{Name: CandidateSpot, Input: &spot},
		onDemand,
	}, nil
}
